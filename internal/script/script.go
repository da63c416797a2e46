// Package script runs recorded key sequences against a view and checks the
// outcome. Scripts are JSON documents validated against an embedded schema.
package script

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"rootsite/internal/composition"
	"rootsite/internal/inputbus"
	"rootsite/internal/journal"
	"rootsite/internal/logging"
	"rootsite/internal/rootsite"
	"rootsite/internal/textbuf"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://rootsite.local/schema/script-v1.schema.json"

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(schemaURL)
})

// Range is a selection as anchor and end offsets.
type Range struct {
	Anchor int `json:"anchor"`
	End    int `json:"end"`
}

// Script is a starting text, a sequence of steps, and the expected result.
type Script struct {
	Name          string            `json:"name,omitempty"`
	Keyboard      string            `json:"keyboard"`
	Glyphs        map[string]string `json:"glyphs,omitempty"`
	Text          string            `json:"text,omitempty"`
	Selection     *Range            `json:"selection,omitempty"`
	Normalization string            `json:"normalization,omitempty"`
	RangeMode     string            `json:"range_mode,omitempty"`
	Steps         []Step            `json:"steps"`
	Expect        Expect            `json:"expect"`
}

// Step is one action. Exactly one field other than Cursor is set.
type Step struct {
	// Type presses and releases a key per character.
	Type *string `json:"type,omitempty"`
	// Key presses and releases a named key, e.g. "BackSpace" or "ctrl+a".
	Key string `json:"key,omitempty"`
	// Preedit and Commit act as the input method would.
	Preedit *string `json:"preedit,omitempty"`
	Cursor  *int    `json:"cursor,omitempty"`
	Commit  *string `json:"commit,omitempty"`

	Cancel   bool `json:"cancel,omitempty"`
	FocusOut bool `json:"focus_out,omitempty"`
	FocusIn  bool `json:"focus_in,omitempty"`
}

// Expect is what the view should look like after the last step. Unset
// fields are not checked.
type Expect struct {
	Text      *string `json:"text,omitempty"`
	Selection *Range  `json:"selection,omitempty"`
	State     string  `json:"state,omitempty"`
	Preedit   *string `json:"preedit,omitempty"`
}

// Parse validates data against the script schema and decodes it.
func Parse(data []byte) (*Script, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid script: %w", err)
	}

	var s Script
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode script: %w", err)
	}
	return &s, nil
}

// Load reads and parses a script file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Name == "" {
		s.Name = path
	}
	return s, nil
}

// Options are defaults a script can override, plus wiring.
type Options struct {
	Form      textbuf.Form
	RangeMode composition.RangeMode

	// Communicator replaces the simulated keyboard, for scripts run
	// against a real input method.
	Communicator inputbus.Communicator

	// Journal, when set, records the run.
	Journal *journal.Store

	Logger *logging.Logger
}

// DefaultOptions returns options for NFD text and preserved ranges.
func DefaultOptions() Options {
	return Options{Form: textbuf.FormNFD, RangeMode: composition.PreserveRange}
}

// Result is the state of the view after a run.
type Result struct {
	Text      string
	Selection Range
	State     composition.State
	Preedit   string
	Stats     inputbus.Stats
	SessionID int64
}

// Run executes s in a fresh view.
func Run(ctx context.Context, s *Script, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("script")

	form, mode := opts.Form, opts.RangeMode
	if s.Normalization != "" {
		f, err := textbuf.ParseForm(s.Normalization)
		if err != nil {
			return nil, err
		}
		form = f
	}
	if s.RangeMode != "" {
		m, err := composition.ParseRangeMode(s.RangeMode)
		if err != nil {
			return nil, err
		}
		mode = m
	}

	viewID := logger.NewViewID()
	viewLogger := logger.WithView(viewID).Logger
	site, err := rootsite.NewPlain(form.Apply(s.Text), 1,
		rootsite.WithViewID(viewID),
		rootsite.WithLogger(viewLogger))
	if err != nil {
		return nil, err
	}
	if s.Selection != nil {
		if err := site.SetRange(s.Selection.Anchor, s.Selection.End, false); err != nil {
			return nil, fmt.Errorf("initial selection: %w", err)
		}
	}

	comm := opts.Communicator
	if comm == nil {
		comm, err = inputbus.NewSimulated(inputbus.Family(s.Keyboard), s.Glyphs)
		if err != nil {
			return nil, err
		}
	}

	buf := site.Buffer()
	machineOpts := []composition.Option{
		composition.WithForm(form),
		composition.WithRangeMode(mode),
		composition.WithLogger(viewLogger),
	}
	var sess *journal.Session
	if opts.Journal != nil {
		sess, err = opts.Journal.StartSession(viewID, s.Keyboard, site.Text())
		if err != nil {
			return nil, err
		}
		buf = sess.Buffer(buf)
		machineOpts = append(machineOpts, composition.WithListener(sess))
	}
	m := composition.New(buf, site, machineOpts...)

	ctrl := inputbus.NewController(m, comm, inputbus.WithLogger(viewLogger))
	if err := ctrl.FocusIn(ctx); err != nil {
		return nil, err
	}

	for i, step := range s.Steps {
		if err := runStep(ctx, ctrl, m, step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}

	anchor, end, _ := site.Range()
	res := &Result{
		Text:      site.Text(),
		Selection: Range{Anchor: anchor, End: end},
		State:     m.State(),
		Preedit:   m.Preedit(),
		Stats:     ctrl.Stats(),
	}
	if sess != nil {
		res.SessionID = sess.ID()
		if err := sess.Err(); err != nil {
			return res, err
		}
	}
	viewLogger.Info("script finished", "script", s.Name, "text", res.Text)
	return res, nil
}

func runStep(ctx context.Context, ctrl *inputbus.Controller, m *composition.Machine, step Step) error {
	switch {
	case step.Type != nil:
		return ctrl.TypeString(ctx, *step.Type)
	case step.Key != "":
		ev, err := inputbus.ParseKey(step.Key)
		if err != nil {
			return err
		}
		if err := ctrl.HandleKey(ctx, ev); err != nil {
			return err
		}
		return ctrl.HandleKey(ctx, ev.Release())
	case step.Preedit != nil:
		cursor := len([]rune(*step.Preedit))
		if step.Cursor != nil {
			cursor = *step.Cursor
		}
		m.BeginEvent()
		return m.UpdatePreedit(*step.Preedit, cursor)
	case step.Commit != nil:
		m.BeginEvent()
		return m.Commit(*step.Commit)
	case step.Cancel:
		return m.Cancel()
	case step.FocusOut:
		return ctrl.FocusOut(ctx)
	case step.FocusIn:
		return ctrl.FocusIn(ctx)
	}
	return fmt.Errorf("empty step")
}

// Check compares a result with what the script expects, normalizing
// expected text with form.
func Check(s *Script, res *Result, form textbuf.Form) error {
	if s.Normalization != "" {
		if f, err := textbuf.ParseForm(s.Normalization); err == nil {
			form = f
		}
	}

	// Only the fields the script names are compared.
	exp := s.Expect
	var want, got outcome
	if exp.Text != nil {
		want.Text, got.Text = form.Apply(*exp.Text), res.Text
	}
	if exp.Selection != nil {
		want.Selection, got.Selection = exp.Selection, &res.Selection
	}
	if exp.State != "" {
		want.State, got.State = exp.State, res.State.String()
	}
	if exp.Preedit != nil {
		want.Preedit, got.Preedit = form.Apply(*exp.Preedit), res.Preedit
	}

	if diff := cmp.Diff(want, got); diff != "" {
		return fmt.Errorf("%s: unexpected result (-want +got):\n%s", s.Name, diff)
	}
	return nil
}

// outcome is the checked part of a Result.
type outcome struct {
	Text      string
	Selection *Range
	State     string
	Preedit   string
}
