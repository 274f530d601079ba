package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/odvcencio/odb/pkg/refs"
	"github.com/odvcencio/odb/pkg/revwalk"
	"github.com/odvcencio/odb/pkg/treewalk"
)

type logOptions struct {
	oneline     bool
	limit       int
	paths       []string
	grep        string
	author      string
	since       int64
	until       int64
	noMerges    bool
	merges      bool
	topo        bool
	date        bool
	reverse     bool
	noGraph     bool
	showMetrics bool
}

func (o *logOptions) revFilter() (revwalk.RevFilter, *revwalk.TreeRevFilter, error) {
	var filters []revwalk.RevFilter
	var trf *revwalk.TreeRevFilter
	if len(o.paths) > 0 {
		trf = revwalk.NewTreeRevFilter(treewalk.ChangedPaths(o.paths...))
		filters = append(filters, revwalk.Tree(trf))
	}
	if o.grep != "" {
		f, err := revwalk.Message(o.grep)
		if err != nil {
			return revwalk.RevFilter{}, nil, fmt.Errorf("--grep: %w", err)
		}
		filters = append(filters, f)
	}
	if o.author != "" {
		f, err := revwalk.Author(o.author)
		if err != nil {
			return revwalk.RevFilter{}, nil, fmt.Errorf("--author: %w", err)
		}
		filters = append(filters, f)
	}
	if o.since > 0 {
		filters = append(filters, revwalk.CommitTimeAfter(o.since))
	}
	if o.until > 0 {
		filters = append(filters, revwalk.CommitTimeBefore(o.until))
	}
	if o.noMerges {
		filters = append(filters, revwalk.NoMerges())
	}
	if o.merges {
		filters = append(filters, revwalk.OnlyMerges())
	}
	// The count applies last so it only sees commits the others kept.
	if o.limit > 0 {
		filters = append(filters, revwalk.MaxCount(o.limit))
	}
	if len(filters) == 0 {
		return revwalk.All(), trf, nil
	}
	return revwalk.And(filters...), trf, nil
}

func (o *logOptions) sort() revwalk.Sort {
	s := revwalk.SortNone
	if o.topo {
		s |= revwalk.SortTopo
	}
	if o.date {
		s |= revwalk.SortCommitTimeDesc
	}
	if o.reverse {
		s |= revwalk.SortReverse
	}
	return s
}

func newLogCmd() *cobra.Command {
	var opts logOptions

	cmd := &cobra.Command{
		Use:   "log [<rev>...] [^<rev>...]",
		Short: "Show commit history",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, trf, err := opts.revFilter()
			if err != nil {
				return err
			}
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			reader := r.DB.NewReader()
			defer reader.Close()

			w := revwalk.New(reader)
			defer w.Close()
			w.UseCommitGraph(r.Config.Core.CommitGraph && !opts.noGraph)
			w.SetRevFilter(filter)
			w.Sort(opts.sort())

			reg := prometheus.NewRegistry()
			if opts.showMetrics {
				m := revwalk.NewMetrics(reg)
				w.SetMetrics(m)
				if trf != nil {
					trf.SetMetrics(m)
				}
			}

			if len(args) == 0 {
				args = []string{refs.Head}
			}
			for _, arg := range args {
				name, hide := strings.CutPrefix(arg, "^")
				id, err := resolveRevision(r, reader, name)
				if err != nil {
					return err
				}
				c, err := w.ParseCommit(id)
				if err != nil {
					return err
				}
				if hide {
					err = w.MarkUninteresting(c)
				} else {
					err = w.MarkStart(c)
				}
				if err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			for {
				c, err := w.Next()
				if err != nil {
					return err
				}
				if c == nil {
					break
				}
				if err := printCommit(out, w, c, opts.oneline); err != nil {
					return err
				}
			}
			if opts.showMetrics {
				return writeMetrics(cmd.ErrOrStderr(), reg)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.BoolVar(&opts.oneline, "oneline", false, "one line per commit")
	f.IntVarP(&opts.limit, "max-count", "n", 0, "stop after this many commits")
	f.StringArrayVar(&opts.paths, "path", nil, "only commits changing this path, repeatable")
	f.StringVar(&opts.grep, "grep", "", "only commits whose message matches the pattern")
	f.StringVar(&opts.author, "author", "", "only commits whose author matches the pattern")
	f.Int64Var(&opts.since, "since", 0, "only commits at or after this unix time")
	f.Int64Var(&opts.until, "until", 0, "only commits at or before this unix time")
	f.BoolVar(&opts.noMerges, "no-merges", false, "skip merge commits")
	f.BoolVar(&opts.merges, "merges", false, "only merge commits")
	f.BoolVar(&opts.topo, "topo-order", false, "never show a parent before all its children")
	f.BoolVar(&opts.date, "date-order", false, "newest commit time first")
	f.BoolVar(&opts.reverse, "reverse", false, "reverse the output order")
	f.BoolVar(&opts.noGraph, "no-commit-graph", false, "parse commits from object data only")
	f.BoolVar(&opts.showMetrics, "metrics", false, "print walk metrics to stderr")
	cmd.MarkFlagsMutuallyExclusive("merges", "no-merges")
	return cmd
}

func printCommit(out io.Writer, w *revwalk.Walk, c *revwalk.RevCommit, oneline bool) error {
	if err := w.ParseBody(c); err != nil {
		return err
	}
	if oneline {
		fmt.Fprintf(out, "%s %s\n", shortID(c.ID()), c.ShortMessage())
		return nil
	}
	fmt.Fprintf(out, "commit %s\n", c.ID())
	if c.ParentCount() > 1 {
		parents := make([]string, c.ParentCount())
		for i, p := range c.Parents() {
			parents[i] = shortID(p.ID())
		}
		fmt.Fprintf(out, "Merge: %s\n", strings.Join(parents, " "))
	}
	if a, ok := c.AuthorIdent(); ok {
		fmt.Fprintf(out, "Author: %s <%s>\n", a.Name, a.Email)
	}
	fmt.Fprintf(out, "Date:   %s\n", time.Unix(c.CommitTime(), 0).UTC().Format("2006-01-02 15:04:05"))
	fmt.Fprintln(out)
	for _, line := range strings.Split(strings.TrimRight(c.Message(), "\n"), "\n") {
		fmt.Fprintf(out, "    %s\n", line)
	}
	fmt.Fprintln(out)
	return nil
}

func writeMetrics(out io.Writer, reg *prometheus.Registry) error {
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}

func newMergeBaseCmd() *cobra.Command {
	var all, isAncestor bool

	cmd := &cobra.Command{
		Use:   "merge-base <commit> <commit>...",
		Short: "Find the best common ancestors of commits",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			reader := r.DB.NewReader()
			defer reader.Close()

			w := revwalk.New(reader)
			defer w.Close()
			w.UseCommitGraph(r.Config.Core.CommitGraph)
			commits := make([]*revwalk.RevCommit, len(args))
			for i, arg := range args {
				id, err := resolveRevision(r, reader, arg)
				if err != nil {
					return err
				}
				if commits[i], err = w.ParseCommit(id); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if isAncestor {
				if len(commits) != 2 {
					return fmt.Errorf("merge-base --is-ancestor takes two commits")
				}
				ok, err := w.IsMergedInto(commits[0], commits[1])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s is not an ancestor of %s", shortID(commits[0].ID()), shortID(commits[1].ID()))
				}
				fmt.Fprintf(out, "%s is an ancestor of %s\n", shortID(commits[0].ID()), shortID(commits[1].ID()))
				return nil
			}

			bases, err := w.MergeBases(commits[0], commits[1:]...)
			if err != nil {
				return err
			}
			if len(bases) == 0 {
				return fmt.Errorf("no common ancestor")
			}
			if !all {
				bases = bases[:1]
			}
			for _, b := range bases {
				fmt.Fprintln(out, b.ID())
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "print every merge base")
	cmd.Flags().BoolVar(&isAncestor, "is-ancestor", false, "check whether the first commit is an ancestor of the second")
	return cmd
}
