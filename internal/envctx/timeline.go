// Package envctx implements the environment-context timeline: a
// snapshot-plus-delta model of cwd, approval/sandbox policy, git branch,
// and shell, rendered inline as <environment_context>/
// <environment_context_delta> tagged messages so the model sees the
// evolving context without a full resend on every turn.
package envctx

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/relaykit/relay/pkg/kernel"
)

// Fingerprint returns a stable hash of a snapshot's observable tuple,
// used to detect equivalence between successive snapshots.
func Fingerprint(s kernel.EnvironmentContextSnapshot) string {
	// Normalize via JSON so field order never affects the hash.
	b, _ := json.Marshal(s)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Outcome reports what recording a candidate snapshot did.
type Outcome string

const (
	OutcomeBaseline       Outcome = "baseline"
	OutcomeDelta          Outcome = "delta"
	OutcomeDedupDrop      Outcome = "dedup_drop"
	OutcomeBaselineResend Outcome = "baseline_resend"
)

// Entry is one recorded step in the timeline: either a baseline snapshot
// or a delta plus the snapshot it resolves to.
type Entry struct {
	Seq      uint64
	Snapshot kernel.EnvironmentContextSnapshot
	Delta    *kernel.EnvironmentContextDelta
}

// Timeline is the ordered log baseline?, (delta, snapshot)* described by
// §4.B: add_baseline_once, apply_delta(seq), record_snapshot (dedup on
// fingerprint), and query by sequence. Not safe for concurrent use;
// callers serialize access the way the session serializes all boundary
// events through its single writer goroutine.
type Timeline struct {
	entries      []Entry
	haveBaseline bool
	latest       kernel.EnvironmentContextSnapshot
	latestFP     string
	nextSeq      uint64
}

func New() *Timeline {
	return &Timeline{}
}

// AddBaselineOnce records snap as the timeline's baseline if none has
// been recorded yet; returns false without effect if a baseline already
// exists.
func (t *Timeline) AddBaselineOnce(snap kernel.EnvironmentContextSnapshot) bool {
	if t.haveBaseline {
		return false
	}
	t.haveBaseline = true
	t.latest = snap
	t.latestFP = Fingerprint(snap)
	t.entries = append(t.entries, Entry{Seq: t.nextSeq, Snapshot: snap})
	t.nextSeq++
	return true
}

// RecordSnapshot is the entry point for a new boundary event's candidate
// snapshot: it adds a baseline if none exists yet, drops the observation
// as a no-op if the fingerprint is unchanged, or computes and records a
// delta against the latest snapshot. It returns the Outcome so the
// caller (internal/session) knows whether to render a baseline tag, a
// delta tag, or nothing.
func (t *Timeline) RecordSnapshot(candidate kernel.EnvironmentContextSnapshot) (Outcome, *kernel.EnvironmentContextDelta) {
	if !t.haveBaseline {
		t.AddBaselineOnce(candidate)
		return OutcomeBaseline, nil
	}

	fp := Fingerprint(candidate)
	if fp == t.latestFP {
		return OutcomeDedupDrop, nil
	}

	delta := diff(t.latest, candidate, t.latestFP)
	t.latest = candidate
	t.latestFP = fp
	t.entries = append(t.entries, Entry{Seq: t.nextSeq, Snapshot: candidate, Delta: &delta})
	t.nextSeq++
	return OutcomeDelta, &delta
}

// ApplyDelta applies delta (received at sequence seq) to the timeline's
// current latest snapshot and returns the resulting snapshot. The
// timeline resets and ok is false when either the fingerprint doesn't
// match the expected base (a mismatch) or seq skips ahead of
// t.nextSeq (a delta_gap) — in both cases the caller must schedule a
// full baseline resend.
func (t *Timeline) ApplyDelta(delta kernel.EnvironmentContextDelta, seq uint64) (snap kernel.EnvironmentContextSnapshot, ok bool) {
	if !t.haveBaseline || delta.BaseFingerprint != t.latestFP || seq != t.nextSeq {
		t.reset()
		return kernel.EnvironmentContextSnapshot{}, false
	}

	next := t.latest
	applyFieldChanges(&next, delta.Changes)
	t.latest = next
	t.latestFP = Fingerprint(next)
	t.entries = append(t.entries, Entry{Seq: t.nextSeq, Snapshot: next, Delta: &delta})
	t.nextSeq++
	return next, true
}

func (t *Timeline) reset() {
	t.haveBaseline = false
	t.latest = kernel.EnvironmentContextSnapshot{}
	t.latestFP = ""
}

// Latest returns the most recently recorded snapshot and whether one exists.
func (t *Timeline) Latest() (kernel.EnvironmentContextSnapshot, bool) {
	return t.latest, t.haveBaseline
}

// BySeq returns the entry recorded at seq, if any.
func (t *Timeline) BySeq(seq uint64) (Entry, bool) {
	for _, e := range t.entries {
		if e.Seq == seq {
			return e, true
		}
	}
	return Entry{}, false
}

// diff computes a fieldwise delta from base to next, tagging it with
// base's fingerprint so a receiver can detect staleness.
func diff(base, next kernel.EnvironmentContextSnapshot, baseFP string) kernel.EnvironmentContextDelta {
	var changes []kernel.FieldChange
	bv := reflect.ValueOf(base)
	nv := reflect.ValueOf(next)
	bt := bv.Type()
	for i := 0; i < bt.NumField(); i++ {
		bf := bv.Field(i).Interface()
		nf := nv.Field(i).Interface()
		if !reflect.DeepEqual(bf, nf) {
			changes = append(changes, kernel.FieldChange{Field: jsonFieldName(bt.Field(i)), Value: nf})
		}
	}
	return kernel.EnvironmentContextDelta{BaseFingerprint: baseFP, Changes: changes}
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	for i, c := range tag {
		if c == ',' {
			return tag[:i]
		}
	}
	return tag
}

// applyFieldChanges mutates snap's fields named in changes, matching on
// the json tag name computed by diff.
func applyFieldChanges(snap *kernel.EnvironmentContextSnapshot, changes []kernel.FieldChange) {
	v := reflect.ValueOf(snap).Elem()
	t := v.Type()
	byName := make(map[string]int, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		byName[jsonFieldName(t.Field(i))] = i
	}
	for _, c := range changes {
		idx, ok := byName[c.Field]
		if !ok {
			continue
		}
		field := v.Field(idx)
		if !field.CanSet() {
			continue
		}
		setField(field, c.Value)
	}
}

func setField(field reflect.Value, value any) {
	if value == nil {
		field.Set(reflect.Zero(field.Type()))
		return
	}
	// Values round-tripped through JSON (or stored verbatim as the Go
	// type already) need a defensive re-marshal to land on field.Type().
	b, err := json.Marshal(value)
	if err != nil {
		return
	}
	ptr := reflect.New(field.Type())
	if err := json.Unmarshal(b, ptr.Interface()); err != nil {
		return
	}
	field.Set(ptr.Elem())
}

// RenderBaseline wraps snap in the literal <environment_context> tag the
// model sees inline in the conversation transcript.
func RenderBaseline(snap kernel.EnvironmentContextSnapshot) (string, error) {
	b, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("envctx: marshal snapshot: %w", err)
	}
	return fmt.Sprintf("<environment_context>%s</environment_context>", b), nil
}

// RenderDelta wraps delta in the literal <environment_context_delta> tag.
func RenderDelta(delta kernel.EnvironmentContextDelta) (string, error) {
	b, err := json.Marshal(delta)
	if err != nil {
		return "", fmt.Errorf("envctx: marshal delta: %w", err)
	}
	return fmt.Sprintf("<environment_context_delta>%s</environment_context_delta>", b), nil
}
