package drafts

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"inspection-sync/internal/answers"
	"inspection-sync/internal/connectivity"
)

type fakeLister struct {
	drafts []RemoteDraft
	err    error
	calls  int
}

func (f *fakeLister) ListDrafts(ctx context.Context, templateID, subjectID string) ([]RemoteDraft, error) {
	f.calls++
	return f.drafts, f.err
}

func TestCandidatesLocalOnly(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	_, _ = svc.Save(ctx, "tpl", "veh", payload(answers.Map{"q1": "Tata"}), SaveOptions{})

	reg := &Registry{Drafts: svc, Remote: &fakeLister{}, Online: connectivity.NewManual(true)}
	listing, err := reg.Candidates(ctx, "tpl", "veh")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(listing.Candidates) != 1 || listing.NeedsChoice {
		t.Fatalf("listing = %+v", listing)
	}
	if listing.Candidates[0].Source != SourceLocal || listing.Candidates[0].AnswerCount != 1 {
		t.Fatalf("candidate = %+v", listing.Candidates[0])
	}
}

func TestCandidatesMergesAndSortsNewestFirst(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService()
	local, _ := svc.Save(ctx, "tpl", "veh", payload(answers.Map{"q1": "local"}), SaveOptions{})

	lister := &fakeLister{drafts: []RemoteDraft{
		{DraftID: "srv-old", UpdatedAt: clk.t.Add(-time.Hour), Answers: answers.Map{"q1": "old"}},
		{DraftID: "srv-new", UpdatedAt: clk.t.Add(time.Hour), Answers: answers.Map{"q1": "new", "q2": true}},
	}}
	reg := &Registry{Drafts: svc, Remote: lister, Online: connectivity.NewManual(true)}

	listing, err := reg.Candidates(ctx, "tpl", "veh")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	var ids []string
	for _, c := range listing.Candidates {
		ids = append(ids, c.ID)
	}
	want := []string{"server:srv-new", "local:" + local.DraftID, "server:srv-old"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("order = %v, want %v", ids, want)
	}
	if !listing.NeedsChoice {
		t.Fatalf("expected NeedsChoice with multiple candidates")
	}
}

func TestCandidatesCollapsesExactDuplicate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	local, _ := svc.Save(ctx, "tpl", "veh", payload(answers.Map{"q1": "same"}), SaveOptions{})

	lister := &fakeLister{drafts: []RemoteDraft{
		{DraftID: local.DraftID, UpdatedAt: local.UpdatedAt, Answers: answers.Map{"q1": "same"}},
	}}
	reg := &Registry{Drafts: svc, Remote: lister}

	listing, err := reg.Candidates(ctx, "tpl", "veh")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(listing.Candidates) != 1 || listing.Candidates[0].Source != SourceBoth || listing.NeedsChoice {
		t.Fatalf("listing = %+v", listing)
	}
}

func TestCandidatesDegradesWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	_, _ = svc.Save(ctx, "tpl", "veh", payload(answers.Map{"q1": "x"}), SaveOptions{})

	boom := errors.New("http status 502")
	reg := &Registry{Drafts: svc, Remote: &fakeLister{err: boom}}
	listing, err := reg.Candidates(ctx, "tpl", "veh")
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if !errors.Is(listing.RemoteErr, boom) || len(listing.Candidates) != 1 {
		t.Fatalf("listing = %+v", listing)
	}

	offline := &fakeLister{}
	reg = &Registry{Drafts: svc, Remote: offline, Online: connectivity.NewManual(false)}
	listing, _ = reg.Candidates(ctx, "tpl", "veh")
	if !errors.Is(listing.RemoteErr, connectivity.ErrOffline) || offline.calls != 0 {
		t.Fatalf("expected offline listing without network, got %+v calls=%d", listing, offline.calls)
	}
}

func TestResumeServerCandidateAdoptsLocally(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService()
	_, _ = svc.Save(ctx, "tpl", "veh", payload(answers.Map{"q1": "local"}), SaveOptions{})

	serverAnswers := answers.Map{"q1": "server", "q2": int64(7)}
	reg := &Registry{Drafts: svc, Remote: &fakeLister{drafts: []RemoteDraft{
		{DraftID: "srv-1", UpdatedAt: clk.t.Add(time.Hour), Answers: serverAnswers},
	}}}

	got, cand, err := reg.Resume(ctx, "tpl", "veh", "server:srv-1")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if !reflect.DeepEqual(got, serverAnswers) || cand.Source != SourceServer {
		t.Fatalf("resume = %#v %+v", got, cand)
	}

	d, _ := svc.Load(ctx, "tpl", "veh")
	stored, _ := d.Answers()
	if !reflect.DeepEqual(stored, serverAnswers) || d.DraftID != "srv-1" {
		t.Fatalf("server draft not adopted: %+v %#v", d, stored)
	}

	if _, _, err := reg.Resume(ctx, "tpl", "veh", "server:nope"); !errors.Is(err, ErrCandidateNotFound) {
		t.Fatalf("expected ErrCandidateNotFound, got %v", err)
	}
}

func TestResumeLocalDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	svc, clk := newTestService()
	local, _ := svc.Save(ctx, "tpl", "veh", payload(answers.Map{"q1": "local"}), SaveOptions{})
	clk.advance(time.Minute)

	reg := &Registry{Drafts: svc}
	got, _, err := reg.Resume(ctx, "tpl", "veh", "local:"+local.DraftID)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if got["q1"] != "local" {
		t.Fatalf("answers = %#v", got)
	}
	d, _ := svc.Load(ctx, "tpl", "veh")
	if !d.UpdatedAt.Equal(local.UpdatedAt) {
		t.Fatalf("resuming a local draft must not rewrite it")
	}
}

func TestStartNewLeavesDraftsUntouched(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService()
	_, _ = svc.Save(ctx, "tpl", "veh", payload(answers.Map{"q1": "keep"}), SaveOptions{})

	reg := &Registry{Drafts: svc}
	if m := reg.StartNew(ctx, "tpl", "veh"); len(m) != 0 {
		t.Fatalf("expected empty answers, got %#v", m)
	}
	if _, err := svc.Load(ctx, "tpl", "veh"); err != nil {
		t.Fatalf("existing draft must survive StartNew: %v", err)
	}
}
