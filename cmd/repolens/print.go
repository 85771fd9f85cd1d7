package main

import (
	"fmt"
	"strings"
	"time"

	"repolens/shared/types"

	"github.com/fatih/color"
)

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func printStatus(view types.StatusView) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	blue := color.New(color.FgBlue).SprintFunc()

	switch {
	case view.Branch != "":
		fmt.Printf("On branch %s\n", view.Branch)
	case view.Head != "":
		fmt.Printf("HEAD detached at %s\n", shortID(view.Head))
	default:
		fmt.Println("No commits yet")
	}

	wd := view.Workdir
	if len(view.Index.Staged) == 0 && len(wd.Modified)+len(wd.Added)+len(wd.Deleted)+len(wd.Renamed)+len(wd.Untracked) == 0 {
		fmt.Println("nothing to commit, working tree clean")
		return
	}

	if len(view.Index.Staged) > 0 {
		fmt.Println("\nChanges to be committed:")
		for _, p := range view.Index.Staged {
			fmt.Printf("  %s\n", green(p))
		}
	}

	if len(wd.Modified)+len(wd.Added)+len(wd.Deleted)+len(wd.Renamed) > 0 {
		fmt.Println("\nChanges not staged for commit:")
		for _, p := range wd.Added {
			fmt.Printf("  %s  %s\n", green("added:   "), p)
		}
		for _, p := range wd.Modified {
			fmt.Printf("  %s  %s\n", yellow("modified:"), p)
		}
		for _, p := range wd.Deleted {
			fmt.Printf("  %s  %s\n", red("deleted: "), p)
		}
		for _, r := range wd.Renamed {
			fmt.Printf("  %s  %s -> %s\n", blue("renamed: "), r.From, r.To)
		}
	}

	if len(wd.Untracked) > 0 {
		fmt.Println("\nUntracked files:")
		for _, p := range wd.Untracked {
			fmt.Printf("  %s\n", red(p))
		}
	}
}

func printMore(s types.StreamSummary) {
	if s.HasMore {
		color.New(color.Faint).Printf("\nmore results: --cursor %s\n", s.NextCursor)
	}
}

func printLog(page types.CommitListPage) {
	yellow := color.New(color.FgYellow).SprintFunc()
	for _, c := range page.Commits {
		fmt.Printf("%s %s\n", yellow(shortID(c.ID)), firstLine(c.Message))
		fmt.Printf("         %s <%s>  %s\n", c.AuthorName, c.AuthorEmail, time.Unix(c.Time, 0).Format(time.RFC3339))
	}
	printMore(types.StreamSummary{HasMore: page.HasMore, NextCursor: page.NextCursor})
}

func laneRow(lanes []types.GraphLane) string {
	width := 0
	for _, l := range lanes {
		width = max(width, l.Index+1)
	}
	row := []byte(strings.Repeat(" ", width*2))
	for _, l := range lanes {
		var c byte
		switch l.LaneType {
		case types.LaneCommit:
			c = '*'
		case types.LaneMerge:
			c = 'M'
		case types.LaneBranch:
			c = '|'
		default:
			continue
		}
		row[l.Index*2] = c
	}
	return string(row)
}

func printGraph(window types.CommitGraphWindow) {
	cyan := color.New(color.FgCyan).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	for _, n := range window.Commits {
		fmt.Printf("%s %s %s\n", cyan(laneRow(n.Lanes)), yellow(shortID(n.ID)), firstLine(n.Message))
	}
	printMore(types.StreamSummary{HasMore: window.HasMore, NextCursor: window.NextCursor})
}

func printChange(fc types.FileChange) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	name := fc.Path
	if fc.OldPath != "" {
		name = fc.OldPath + " -> " + fc.Path
	}
	if fc.Binary {
		fmt.Printf("  %-9s %s (binary)\n", fc.ChangeType, name)
		return
	}
	fmt.Printf("  %-9s %s %s %s\n", fc.ChangeType, name, green(fmt.Sprintf("+%d", fc.Additions)), red(fmt.Sprintf("-%d", fc.Deletions)))
}

func printCommit(d types.CommitDetails) {
	yellow := color.New(color.FgYellow)
	yellow.Printf("commit %s\n", d.ID)
	if len(d.Parents) > 1 {
		short := make([]string, len(d.Parents))
		for i, p := range d.Parents {
			short[i] = shortID(p)
		}
		fmt.Printf("Merge: %s\n", strings.Join(short, " "))
	}
	fmt.Printf("Author: %s <%s>\n", d.AuthorName, d.AuthorEmail)
	fmt.Printf("Date:   %s\n\n", time.Unix(d.Time, 0).Format(time.RFC1123Z))
	for _, line := range strings.Split(strings.TrimRight(d.FullMessage, "\n"), "\n") {
		fmt.Printf("    %s\n", line)
	}
	if len(d.ChangedFiles) > 0 {
		fmt.Println()
		for _, fc := range d.ChangedFiles {
			printChange(fc)
		}
	}
}

func printDiffSummary(s types.DiffSummary) {
	for _, fc := range s.Changes {
		printChange(fc)
	}
	fmt.Printf("\n%d files changed, %d insertions(+), %d deletions(-)\n", s.FilesChanged, s.Additions, s.Deletions)
	printMore(types.StreamSummary{HasMore: s.HasMore, NextCursor: s.NextCursor})
}

func printDiffChunk(chunk types.DiffChunk) {
	added := color.New(color.FgGreen)
	removed := color.New(color.FgRed)
	header := color.New(color.FgCyan)
	bold := color.New(color.Bold)

	oldPath := chunk.Path
	if chunk.OldPath != "" {
		oldPath = chunk.OldPath
	}
	bold.Printf("\ndiff a/%s b/%s\n", oldPath, chunk.Path)
	if chunk.Binary {
		fmt.Println("Binary files differ")
		return
	}

	for _, h := range chunk.Hunks {
		header.Println(h.Header)
		for _, l := range h.Lines {
			switch l.LineType {
			case types.LineAddition:
				added.Println("+" + l.Content)
			case types.LineDeletion:
				removed.Println("-" + l.Content)
			default:
				fmt.Println(" " + l.Content)
			}
		}
	}
}

func printBlameChunk(chunk types.BlameChunk) {
	yellow := color.New(color.FgYellow).SprintFunc()
	for _, l := range chunk.Lines {
		author := l.AuthorName
		if len(author) > 16 {
			author = author[:16]
		}
		fmt.Printf("%s %-16s %5d) %s\n", yellow(shortID(l.CommitID)), author, l.LineNumber, l.Content)
	}
}

func printBranches(list types.BranchList) {
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	for _, b := range list.Local {
		if b.Name == list.Current {
			fmt.Printf("* %s %s\n", green(b.Name), shortID(b.CommitID))
			continue
		}
		fmt.Printf("  %s %s\n", b.Name, shortID(b.CommitID))
	}
	for _, b := range list.Remote {
		fmt.Printf("  %s %s\n", red(b.Name), shortID(b.CommitID))
	}
}

func printTags(list types.TagList) {
	yellow := color.New(color.FgYellow).SprintFunc()
	if len(list.Tags) == 0 {
		fmt.Println("No tags found")
		return
	}
	for _, t := range list.Tags {
		if t.Message != "" {
			fmt.Printf("%s %s  %s\n", yellow(t.Name), shortID(t.CommitID), firstLine(t.Message))
			continue
		}
		fmt.Printf("%s %s\n", yellow(t.Name), shortID(t.CommitID))
	}
}

func printRemotes(list types.RemoteList) {
	if len(list.Remotes) == 0 {
		fmt.Println("No remotes configured")
		return
	}
	blue := color.New(color.FgBlue).SprintFunc()
	for _, r := range list.Remotes {
		fmt.Printf("%s\t%s\n", blue(r.Name), r.URL)
	}
}

func printPending(pending []types.PendingInfo) {
	if len(pending) == 0 {
		fmt.Println("No requests in flight")
		return
	}
	for _, p := range pending {
		fmt.Printf("%s  %-12s  %-10s  %s\n", p.ID, p.Kind, p.State, time.Duration(p.AgeMillis)*time.Millisecond)
	}
}
