package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
)

func chdirForTest(t *testing.T, dir string) func() {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir(%s): %v", dir, err)
	}
	return func() {
		if err := os.Chdir(wd); err != nil {
			t.Fatalf("restore cwd %s: %v", wd, err)
		}
	}
}

func runCmd(t *testing.T, cmd *cobra.Command, stdin string, args ...string) string {
	t.Helper()
	out, err := tryCmd(cmd, stdin, args...)
	if err != nil {
		t.Fatalf("%s %s: %v\noutput:\n%s", cmd.Name(), strings.Join(args, " "), err, out)
	}
	return out
}

func tryCmd(cmd *cobra.Command, stdin string, args ...string) (string, error) {
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetIn(strings.NewReader(stdin))
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeCmdFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", path, err)
	}
}

// cmdRepo is a repository in a temp dir that the process has chdir'd into.
type cmdRepo struct {
	t    *testing.T
	dir  string
	date int64
}

func newCmdRepo(t *testing.T) *cmdRepo {
	t.Helper()
	dir := t.TempDir()
	restore := chdirForTest(t, dir)
	t.Cleanup(restore)
	runCmd(t, newInitCmd(), "")
	return &cmdRepo{t: t, dir: dir, date: 1700000000}
}

func (r *cmdRepo) blob(content string) string {
	r.t.Helper()
	path := filepath.Join(r.dir, "input.txt")
	writeCmdFile(r.t, path, content)
	return strings.TrimSpace(runCmd(r.t, newHashObjectCmd(), "", "-w", path))
}

// commit records a commit whose tree holds one file per name=content pair.
func (r *cmdRepo) commit(msg string, files map[string]string, parents ...string) string {
	r.t.Helper()
	var listing strings.Builder
	for name, content := range files {
		fmt.Fprintf(&listing, "100644 blob %s\t%s\n", r.blob(content), name)
	}
	tree := strings.TrimSpace(runCmd(r.t, newMktreeCmd(), listing.String()))
	r.date += 60
	args := []string{tree, "-m", msg, "--date", fmt.Sprint(r.date)}
	for _, p := range parents {
		args = append(args, "-p", p)
	}
	return strings.TrimSpace(runCmd(r.t, newCommitTreeCmd(), "", args...))
}

func (r *cmdRepo) updateRef(name, id string) {
	r.t.Helper()
	runCmd(r.t, newUpdateRefCmd(), "", name, id)
}

func TestInitAndObjectPlumbing(t *testing.T) {
	r := newCmdRepo(t)
	if _, err := os.Stat(filepath.Join(r.dir, ".odb", "config.toml")); err != nil {
		t.Fatalf("config.toml missing: %v", err)
	}
	if _, err := tryCmd(newInitCmd(), ""); err == nil {
		t.Fatalf("second init succeeded, want already exists")
	}

	path := filepath.Join(r.dir, "hello.txt")
	writeCmdFile(t, path, "hello\n")
	dry := strings.TrimSpace(runCmd(t, newHashObjectCmd(), "", path))
	if _, err := tryCmd(newHasCmd(), "", dry); err == nil {
		t.Fatalf("has %s succeeded before the object was written", dry)
	}
	id := strings.TrimSpace(runCmd(t, newHashObjectCmd(), "", "-w", path))
	if id != dry {
		t.Fatalf("written id %s differs from computed id %s", id, dry)
	}

	if got := runCmd(t, newCatFileCmd(), "", "-t", id); got != "blob\n" {
		t.Fatalf("cat-file -t = %q, want blob", got)
	}
	if got := runCmd(t, newCatFileCmd(), "", "-s", id); got != "6\n" {
		t.Fatalf("cat-file -s = %q, want 6", got)
	}
	if got := runCmd(t, newCatFileCmd(), "", id[:10]); got != "hello\n" {
		t.Fatalf("cat-file by prefix = %q, want hello", got)
	}
	if got := runCmd(t, newResolveCmd(), "", id[:6]); !strings.Contains(got, id) {
		t.Fatalf("resolve = %q, want to contain %s", got, id)
	}
	if got := runCmd(t, newHasCmd(), "", "--reachable", id); !strings.Contains(got, "present") {
		t.Fatalf("has --reachable = %q", got)
	}

	tree := strings.TrimSpace(runCmd(t, newMktreeCmd(), "100644 blob "+id+"\thello.txt\n"))
	if got := runCmd(t, newCatFileCmd(), "", "-p", tree); !strings.Contains(got, "100644 blob "+id+"\thello.txt") {
		t.Fatalf("cat-file -p tree = %q", got)
	}
	if _, err := tryCmd(newMktreeCmd(), "garbage line\n"); err == nil {
		t.Fatalf("mktree accepted a malformed line")
	}
}

func TestLogMergeBaseAndBranch(t *testing.T) {
	r := newCmdRepo(t)
	base := r.commit("base", map[string]string{"a.txt": "1"})
	left := r.commit("left change", map[string]string{"a.txt": "2"}, base)
	right := r.commit("right change", map[string]string{"a.txt": "1", "b.txt": "x"}, base)
	merge := r.commit("merge", map[string]string{"a.txt": "2", "b.txt": "x"}, left, right)
	r.updateRef("refs/heads/main", merge)
	r.updateRef("refs/heads/topic", right)

	out := runCmd(t, newLogCmd(), "", "--oneline")
	for _, msg := range []string{"merge", "left change", "right change", "base"} {
		if !strings.Contains(out, msg) {
			t.Fatalf("log output = %q, want to contain %q", out, msg)
		}
	}
	if lines := strings.Count(out, "\n"); lines != 4 {
		t.Fatalf("log printed %d commits, want 4", lines)
	}

	out = runCmd(t, newLogCmd(), "", "--oneline", "--path", "b.txt", "--no-merges")
	if !strings.Contains(out, "right change") || strings.Contains(out, "left change") {
		t.Fatalf("log --path b.txt = %q", out)
	}

	out = runCmd(t, newLogCmd(), "", "--oneline", "main", "^topic")
	if strings.Contains(out, "right change") || !strings.Contains(out, "left change") {
		t.Fatalf("log main ^topic = %q", out)
	}

	out = runCmd(t, newLogCmd(), "", "--grep", "^left", "-n", "5")
	if !strings.Contains(out, "commit "+left) || !strings.Contains(out, "    left change") {
		t.Fatalf("log --grep = %q", out)
	}

	if got := strings.TrimSpace(runCmd(t, newMergeBaseCmd(), "", left, right)); got != base {
		t.Fatalf("merge-base = %s, want %s", got, base)
	}
	runCmd(t, newMergeBaseCmd(), "", "--is-ancestor", base, merge)
	if _, err := tryCmd(newMergeBaseCmd(), "", "--is-ancestor", merge, base); err == nil {
		t.Fatalf("merge-base --is-ancestor merge base succeeded")
	}

	out = runCmd(t, newBranchCmd(), "", "--contains", right)
	if !strings.Contains(out, "main") || !strings.Contains(out, "topic") {
		t.Fatalf("branch --contains right = %q", out)
	}
	out = runCmd(t, newBranchCmd(), "", "--contains", left)
	if !strings.Contains(out, "* main") || strings.Contains(out, "topic") {
		t.Fatalf("branch --contains left = %q", out)
	}
}

func TestGcCmdRepacksAndWritesGraph(t *testing.T) {
	r := newCmdRepo(t)
	first := r.commit("first", map[string]string{"f": "one"})
	second := r.commit("second", map[string]string{"f": "two"}, first)
	r.updateRef("refs/heads/main", second)
	r.blob("unreachable")

	out := runCmd(t, newGcCmd(), "")
	if !strings.Contains(out, "packed 6 head, 0 other and 1 unreachable") {
		t.Fatalf("gc output = %q", out)
	}
	if !strings.Contains(out, "wrote commit graph with 2 commit(s)") {
		t.Fatalf("gc output = %q, want commit graph line", out)
	}

	out = runCmd(t, newCountObjectsCmd(), "")
	for _, want := range []string{"packs: 1\n", "packed-objects: 6\n", "garbage-objects: 1\n", "bitmaps: 1\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("count-objects = %q, want to contain %q", out, want)
		}
	}

	if out := runCmd(t, newCommitGraphCmd(), "", "verify"); !strings.Contains(out, "2 commit(s)") {
		t.Fatalf("commit-graph verify = %q", out)
	}
	if out := runCmd(t, newVerifyCmd(), ""); !strings.Contains(out, "ok: verified 2 pack file(s), 7 packed object(s)") {
		t.Fatalf("verify = %q", out)
	}

	out = runCmd(t, newLogCmd(), "", "--oneline", "--no-commit-graph")
	if strings.Count(out, "\n") != 2 {
		t.Fatalf("log without graph = %q", out)
	}
}

func TestCompactKeepAndShowIndex(t *testing.T) {
	r := newCmdRepo(t)
	if out := runCmd(t, newCompactCmd(), ""); !strings.Contains(out, "nothing to compact") {
		t.Fatalf("compact on empty repo = %q", out)
	}
	a := r.blob("a")
	r.blob("b")
	r.blob("c")

	out := runCmd(t, newCompactCmd(), "")
	if !strings.Contains(out, "compacted 3 pack(s)") || !strings.Contains(out, "3 object(s)") {
		t.Fatalf("compact = %q", out)
	}

	list := runCmd(t, newListPacksCmd(), "")
	fields := strings.Fields(list)
	if len(fields) == 0 || !strings.Contains(list, "compact") {
		t.Fatalf("list-packs = %q", list)
	}
	name := fields[0]
	if out := runCmd(t, newShowIndexCmd(), "", name); !strings.Contains(out, a) {
		t.Fatalf("show-index = %q, want to contain %s", out, a)
	}

	runCmd(t, newKeepCmd(), "", name, "-m", "pinned")
	if list := runCmd(t, newListPacksCmd(), ""); !strings.Contains(list, " kept") {
		t.Fatalf("list-packs after keep = %q", list)
	}
	runCmd(t, newUnkeepCmd(), "", name)
	if list := runCmd(t, newListPacksCmd(), ""); strings.Contains(list, " kept") {
		t.Fatalf("list-packs after unkeep = %q", list)
	}
	if _, err := tryCmd(newKeepCmd(), "", "no-such-pack"); err == nil {
		t.Fatalf("keep of unknown pack succeeded")
	}
}

func TestUpdateRefCompareAndSwap(t *testing.T) {
	r := newCmdRepo(t)
	one := r.commit("one", map[string]string{"f": "1"})
	two := r.commit("two", map[string]string{"f": "2"}, one)

	runCmd(t, newUpdateRefCmd(), "", "refs/heads/main", one, "--old", "0")
	if _, err := tryCmd(newUpdateRefCmd(), "", "refs/heads/main", two, "--old", "0"); err == nil {
		t.Fatalf("create-only update of an existing ref succeeded")
	}
	runCmd(t, newUpdateRefCmd(), "", "refs/heads/main", two, "--old", one)
	if got := runCmd(t, newLogCmd(), "", "--oneline", "-n", "1"); !strings.Contains(got, "two") {
		t.Fatalf("log after update = %q", got)
	}
	runCmd(t, newUpdateRefCmd(), "", "-d", "refs/heads/main")
	if _, err := tryCmd(newLogCmd(), ""); err == nil {
		t.Fatalf("log with deleted HEAD branch succeeded")
	}
}
