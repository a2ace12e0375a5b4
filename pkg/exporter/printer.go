package exporter

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"patchmirror/pkg/core"
	"patchmirror/pkg/diff"
	"patchmirror/pkg/meta"
	"patchmirror/pkg/syncer"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
}

// PrintRevisions 每个版本一行：ID、资源数、总大小、本版本下载的资源数
func PrintRevisions(w io.Writer, revs []*core.Revision) error {
	if len(revs) == 0 {
		_, err := fmt.Fprintln(w, "No revisions yet.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "REVISION\tASSETS\tSIZE\tOWN\tCREATED\n")
	for _, rev := range revs {
		own := 0
		for _, a := range rev.Assets() {
			if a.Origin == rev.ID() {
				own++
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d\t%s\n",
			rev.ID(), rev.Len(), fmtSize(rev.TotalSize()), own, fmtTime(rev.CreatedAt()))
	}
	return tw.Flush()
}

// PrintDiff 输出汇总行和每个变化的资源
// 类似 git diff --name-status：A 新增，M 变更，D 删除。
func PrintDiff(w io.Writer, d *diff.Diff) error {
	fmt.Fprintf(w, "%s\n\n", d)
	tw := newTable(w)
	fmt.Fprintf(tw, "STATUS\tFINGERPRINT\tSIZE\tPATH\n")
	for _, a := range d.New {
		fmt.Fprintf(tw, "A\t%s\t%s\t%s\n", a.Fingerprint, fmtSize(a.Size), a.Path)
	}
	for _, a := range d.Changed {
		fmt.Fprintf(tw, "M\t%s\t%s\t%s\n", a.Fingerprint, fmtSize(a.Size), a.Path)
	}
	for _, a := range d.Removed {
		fmt.Fprintf(tw, "D\t%s\t%s\t%s\n", a.Fingerprint, fmtSize(a.Size), a.Path)
	}
	return tw.Flush()
}

// PrintRuns 输出同步历史，最新的在前
func PrintRuns(w io.Writer, runs []meta.SyncRun) error {
	if len(runs) == 0 {
		_, err := fmt.Fprintln(w, "No sync runs recorded.")
		return err
	}
	tw := newTable(w)
	fmt.Fprintf(tw, "STARTED\tREVISION\tSTATUS\tNEW\tCHANGED\tREMOVED\tDOWNLOADED\tFAILED\tBYTES\tDURATION\n")
	for _, r := range runs {
		rev := r.Revision
		if rev == "" {
			rev = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			fmtTime(r.StartedAt), rev, r.Status,
			r.NewAssets, r.ChangedAssets, r.RemovedAssets,
			r.Downloaded, r.Failed, fmtSize(r.Bytes),
			(time.Duration(r.DurationMs) * time.Millisecond).String(),
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if last := runs[0]; last.Error != "" {
		_, err := fmt.Fprintf(w, "\nlast error: %s\n", last.Error)
		return err
	}
	return nil
}

// PrintSyncResult 输出单个同步周期的结果
func PrintSyncResult(w io.Writer, res *syncer.Result) error {
	fmt.Fprintf(w, "Revision:   %s\n", res.Revision)
	if res.Diff != nil {
		fmt.Fprintf(w, "Changes:    %s\n", res.Diff)
	} else {
		fmt.Fprintf(w, "Changes:    (already committed, repair only)\n")
	}
	fmt.Fprintf(w, "Downloaded: %d (%s)\n", res.Downloaded, fmtSize(res.Bytes))
	fmt.Fprintf(w, "Failed:     %d\n", res.Failed)
	for _, p := range res.FailedPaths {
		fmt.Fprintf(w, "  - %s\n", p)
	}
	fmt.Fprintf(w, "Committed:  %t\n", res.Committed)
	_, err := fmt.Fprintf(w, "Duration:   %s\n", res.Duration.Round(time.Millisecond))
	return err
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func fmtSize(s int64) string {
	if s < 1024 {
		return fmt.Sprintf("%dB", s)
	} else if s < 1024*1024 {
		return fmt.Sprintf("%.1fKB", float64(s)/1024)
	} else if s < 1024*1024*1024 {
		return fmt.Sprintf("%.2fMB", float64(s)/1024/1024)
	}
	return fmt.Sprintf("%.2fGB", float64(s)/1024/1024/1024)
}
