package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	contractx "github.com/tanpawarit/storyweave/agent/contract"
)

// FormatResults renders successful results as labeled sections followed by a
// summary of the analyses that are unavailable. An empty slice renders "".
func FormatResults(results []contractx.Result) string {
	var b strings.Builder
	var failed []contractx.Result

	for _, r := range results {
		if !r.Success {
			failed = append(failed, r)
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "## Agent: %s\n", label(r))
		fmt.Fprintf(&b, "Duration: %s\n", r.Duration.Round(time.Millisecond))
		if body := payloadText(r); body != "" {
			b.WriteString(body)
			b.WriteString("\n")
		}
	}

	if len(failed) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## Unavailable analyses\n")
		for _, r := range failed {
			kind := r.ErrorKind
			if kind == "" {
				kind = contractx.ErrorKindFailed
			}
			fmt.Fprintf(&b, "- %s: %s\n", label(r), kind)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func label(r contractx.Result) string {
	if d := strings.TrimSpace(r.Description); d != "" {
		return d
	}
	return r.AgentID
}

func payloadText(r contractx.Result) string {
	if text := strings.TrimSpace(r.Text); text != "" {
		return text
	}
	if len(r.Payload) == 0 || bytes.Equal(r.Payload, []byte("null")) {
		return ""
	}
	var out bytes.Buffer
	if err := json.Indent(&out, r.Payload, "", "  "); err != nil {
		return string(r.Payload)
	}
	return out.String()
}
