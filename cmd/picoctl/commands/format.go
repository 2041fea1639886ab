package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStartAuth renders a StartAuth reply in the requested format.
func formatStartAuth(handle int32, code string, success bool, format string) (string, error) {
	switch format {
	case formatJSON:
		b, err := json.Marshal(map[string]any{
			"handle":  handle,
			"code":    code,
			"success": success,
		})
		if err != nil {
			return "", err
		}
		return string(b) + "\n", nil
	case formatTable:
		var sb strings.Builder
		w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "HANDLE\tCODE\tSUCCESS\n")
		fmt.Fprintf(w, "%d\t%s\t%v\n", handle, emptyAsDash(code), success)
		if err := w.Flush(); err != nil {
			return "", err
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatCompleteAuth renders a CompleteAuth reply in the requested format.
func formatCompleteAuth(user, token string, success bool, format string) (string, error) {
	switch format {
	case formatJSON:
		b, err := json.Marshal(map[string]any{
			"user":    user,
			"token":   token,
			"success": success,
		})
		if err != nil {
			return "", err
		}
		return string(b) + "\n", nil
	case formatTable:
		var sb strings.Builder
		w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "USER\tTOKEN\tSUCCESS\n")
		fmt.Fprintf(w, "%s\t%s\t%v\n", emptyAsDash(user), emptyAsDash(token), success)
		if err := w.Flush(); err != nil {
			return "", err
		}
		return sb.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func emptyAsDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
