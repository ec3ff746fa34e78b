package cil

import (
	"fmt"
	"io"
	"strings"
)

// Format renders a body as an indented listing with labels and region
// markers.
func Format(body *MethodBody) string {
	var b strings.Builder
	_ = Fprint(&b, body)
	return b.String()
}

// Fprint writes the listing of body to w.
func Fprint(w io.Writer, body *MethodBody) error {
	if body.Method != nil {
		if _, err := fmt.Fprintf(w, ".method %s\n", body.Method); err != nil {
			return err
		}
	}
	for i, l := range body.Locals {
		pinned := ""
		if l.Pinned {
			pinned = " pinned"
		}
		if _, err := fmt.Fprintf(w, "  .local V_%d %s%s\n", i, l.Type.FullName(), pinned); err != nil {
			return err
		}
	}

	depth := 1
	indent := func() string { return strings.Repeat("  ", depth) }

	for _, in := range body.Instructions {
		for _, m := range in.Regions {
			switch {
			case m.Kind == TryBegin:
				fmt.Fprintf(w, "%s.try {\n", indent())
				depth++
			case m.Kind.IsHandler():
				depth--
				fmt.Fprintf(w, "%s} %s {\n", indent(), m)
				depth++
			}
		}

		var line strings.Builder
		for _, l := range in.Labels {
			line.WriteString(l.String())
			line.WriteString(": ")
		}
		if in.Offset >= 0 {
			fmt.Fprintf(&line, "IL_%04x: ", in.Offset)
		}
		line.WriteString(in.String())
		if _, err := fmt.Fprintf(w, "%s%s\n", indent(), line.String()); err != nil {
			return err
		}

		for _, m := range in.Regions {
			if m.Kind == End {
				depth = max(depth-1, 1)
				fmt.Fprintf(w, "%s}\n", indent())
			}
		}
	}
	return nil
}
