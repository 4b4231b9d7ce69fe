package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/gosuda/duet/internal/domain"
	"github.com/gosuda/duet/internal/peer"
)

var (
	errNoSuchTask  = errors.New("no such task")
	errAmbiguousID = errors.New("ambiguous task id")
	errNoSession   = errors.New("no peer session")
)

// taskStore is the part of replica.Store the shell drives.
type taskStore interface {
	GetAll() []domain.Task
	Upsert(task domain.Task) error
	Mutate(id string, fn func(current *domain.Task) *domain.Task) error
	Delete(id string) error
}

// shell is a line-oriented front end over one replica.
type shell struct {
	store   taskStore
	out     io.Writer
	session func() *peer.Session
	payload func() string
	now     func() int64
	newID   func() string
}

func newShell(store taskStore, out io.Writer, session func() *peer.Session) *shell {
	return &shell{
		store:   store,
		out:     out,
		session: session,
		now:     domain.NowMillis,
		newID:   uuid.NewString,
	}
}

const helpText = `commands:
  ls [all]            list tasks (all includes deleted)
  add <title>         add a task
  done <id>           toggle completion
  title <id> <text>   rename a task
  rm <id>             soft-delete a task
  purge <id>          remove a task from the replica
  payload             show this device's last pairing payload
  signal <payload>    apply the partner's pairing payload
  state               show the peer session state
  quit                exit`

// run reads commands until EOF or quit.
func (sh *shell) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !sh.exec(line) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("shell: read: %w", err)
	}
	return nil
}

// exec runs one command line and reports whether the shell should continue.
func (sh *shell) exec(line string) bool {
	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch cmd {
	case "quit", "exit":
		return false
	case "help", "?":
		fmt.Fprintln(sh.out, helpText)
	case "ls":
		sh.list(rest == "all")
	case "add":
		err = sh.add(rest)
	case "done":
		err = sh.toggle(rest)
	case "title":
		id, title, _ := strings.Cut(rest, " ")
		err = sh.rename(id, strings.TrimSpace(title))
	case "rm":
		err = sh.remove(rest)
	case "purge":
		err = sh.purge(rest)
	case "payload":
		sh.showPayload()
	case "signal":
		err = sh.signal(rest)
	case "state":
		sh.state()
	default:
		err = fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
	}
	return true
}

func (sh *shell) list(all bool) {
	tasks := sh.store.GetAll()
	if !all {
		tasks = domain.ActiveTasks(tasks)
	}
	sort.SliceStable(tasks, func(i, j int) bool { return tasks[i].Order < tasks[j].Order })
	if len(tasks) == 0 {
		fmt.Fprintln(sh.out, "(no tasks)")
		return
	}
	for _, t := range tasks {
		mark := " "
		if t.Completed {
			mark = "x"
		}
		suffix := ""
		if !t.Active() {
			suffix = " (deleted)"
		}
		fmt.Fprintf(sh.out, "[%s] %s  %s%s\n", mark, shortID(t.ID), t.Title, suffix)
	}
}

func (sh *shell) add(title string) error {
	if title == "" {
		return errors.New("title required")
	}
	order := 0.0
	for _, t := range sh.store.GetAll() {
		if t.Order >= order {
			order = t.Order + 1
		}
	}
	now := sh.now()
	task := domain.Task{
		ID:        sh.newID(),
		Title:     title,
		Assignee:  domain.AssignMe,
		Order:     order,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := sh.store.Upsert(task); err != nil {
		return err
	}
	fmt.Fprintf(sh.out, "added %s\n", shortID(task.ID))
	return nil
}

func (sh *shell) toggle(ref string) error {
	return sh.update(ref, func(t *domain.Task, now int64) {
		t.Completed = !t.Completed
		if t.Completed {
			t.CompletedAt = &now
		} else {
			t.CompletedAt = nil
		}
	})
}

func (sh *shell) rename(ref, title string) error {
	if title == "" {
		return errors.New("title required")
	}
	return sh.update(ref, func(t *domain.Task, _ int64) {
		t.Title = title
	})
}

func (sh *shell) remove(ref string) error {
	return sh.update(ref, func(t *domain.Task, now int64) {
		t.DeletedAt = &now
	})
}

func (sh *shell) purge(ref string) error {
	id, err := sh.resolve(ref)
	if err != nil {
		return err
	}
	return sh.store.Delete(id)
}

// update edits the task in place, stamping UpdatedAt.
func (sh *shell) update(ref string, edit func(t *domain.Task, now int64)) error {
	id, err := sh.resolve(ref)
	if err != nil {
		return err
	}
	now := sh.now()
	return sh.store.Mutate(id, func(current *domain.Task) *domain.Task {
		if current == nil {
			// Deleted by a peer since resolve; keep it deleted.
			return nil
		}
		next := current.Clone()
		edit(&next, now)
		next.UpdatedAt = now
		return &next
	})
}

// resolve maps a full id or a unique id prefix to a task id.
func (sh *shell) resolve(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("task id required")
	}
	var match string
	for _, t := range sh.store.GetAll() {
		if t.ID == ref {
			return t.ID, nil
		}
		if strings.HasPrefix(t.ID, ref) {
			if match != "" {
				return "", fmt.Errorf("%w: %s", errAmbiguousID, ref)
			}
			match = t.ID
		}
	}
	if match == "" {
		return "", fmt.Errorf("%w: %s", errNoSuchTask, ref)
	}
	return match, nil
}

func (sh *shell) signal(payload string) error {
	s := sh.currentSession()
	if s == nil {
		return errNoSession
	}
	return s.Signal(payload)
}

func (sh *shell) showPayload() {
	var p string
	if sh.payload != nil {
		p = sh.payload()
	}
	if p == "" {
		fmt.Fprintln(sh.out, "no payload yet")
		return
	}
	fmt.Fprintln(sh.out, p)
}

func (sh *shell) state() {
	s := sh.currentSession()
	if s == nil {
		fmt.Fprintln(sh.out, "peer: none")
		return
	}
	fmt.Fprintf(sh.out, "peer: %s (%s)\n", s.State(), s.Role())
}

func (sh *shell) currentSession() *peer.Session {
	if sh.session == nil {
		return nil
	}
	return sh.session()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
