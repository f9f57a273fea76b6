package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/loykin/proxyprobe/internal/results"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, snap results.Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tDELAY\tSTATUS\tCATEGORY\tTESTED")
	for _, name := range snap.Names() {
		r := snap.Results[name]
		delay := "-"
		if r.Status == results.StatusOnline {
			delay = fmt.Sprintf("%.0fms", r.DelayMs)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, delay, r.Status, results.Category(r), r.TestedAt.Format("2006-01-02 15:04:05"))
	}
	_, _ = fmt.Fprintf(tw, "\n%d/%d online\n", snap.Online(), len(snap.Results))
	return tw.Flush()
}

func filterStatus(snap results.Snapshot, want results.Status) results.Snapshot {
	out := results.Snapshot{LastUpdate: snap.LastUpdate, Results: map[string]results.Result{}}
	for name, r := range snap.Results {
		if r.Status == want {
			out.Results[name] = r
		}
	}
	out.Total = len(out.Results)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
