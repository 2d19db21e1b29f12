package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"ferry/internal/server/database"
	"ferry/internal/server/rbac"
	"ferry/internal/server/workflow"
)

func ingestOne(t *testing.T, h *harness, path string, n int) *database.FileRecord {
	t.Helper()
	data, sum := payload(n)
	res, err := h.ingest.Ingest(context.Background(), streamReq("clip.mov", "tustin", path, data, int64(n), sum))
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	return res.File
}

var operator = Actor{Name: "alice", IP: "10.0.0.5"}

func TestTransition_FullLifecycle(t *testing.T) {
	h := newHarness(t)
	h.addSite(t, "tustin")
	colorist := h.addUser(t, "cara", string(rbac.RoleColorist))
	ctx := context.Background()
	f := ingestOne(t, h, "/exports/life.mov", 128)

	steps := []struct {
		action workflow.Action
		want   workflow.State
	}{
		{workflow.ActionValidate, workflow.StateValidated},
		{workflow.ActionQueue, workflow.StateQueued},
		{workflow.ActionStartTransfer, workflow.StateTransferring},
		{workflow.ActionCompleteTransfer, workflow.StateTransferred},
		{workflow.ActionAssign, workflow.StateColoristAssigned},
		{workflow.ActionStartWork, workflow.StateInProgress},
		{workflow.ActionDeliver, workflow.StateDeliveredToMAM},
		{workflow.ActionArchive, workflow.StateArchived},
	}
	for _, step := range steps {
		got, err := h.registry.Transition(ctx, f.ID, step.action, operator, TransitionOptions{})
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", step.action, err)
		}
		if got.State != step.want {
			t.Fatalf("%s: expected %s, got %s", step.action, step.want, got.State)
		}
	}

	final, _ := h.registry.Get(ctx, f.ID)
	if !final.Locked {
		t.Error("file must stay locked after validation")
	}
	if final.TransferProgress != 100 {
		t.Errorf("expected progress 100, got %d", final.TransferProgress)
	}
	if final.AssignedTo == nil || *final.AssignedTo != colorist.ID {
		t.Errorf("expected assignment to %s, got %v", colorist.ID, final.AssignedTo)
	}
	if final.ArchivedAt == nil || final.ValidatedAt == nil {
		t.Error("expected timestamps to be set")
	}

	audit, err := h.registry.Audit(ctx, f.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// One entry for the upload plus one per transition.
	if len(audit) != len(steps)+1 {
		t.Fatalf("expected %d audit entries, got %d", len(steps)+1, len(audit))
	}
	last := audit[len(audit)-1]
	if *last.PreviousState != workflow.StateDeliveredToMAM || *last.NewState != workflow.StateArchived {
		t.Errorf("unexpected last audit entry: %+v", last)
	}
	if *last.PerformedBy != "alice" || *last.IPAddress != "10.0.0.5" {
		t.Errorf("actor not recorded: %+v", last)
	}

	jobs, _ := h.registry.TransferJobs(ctx, 10)
	if len(jobs) != 1 || jobs[0].Status != database.JobCompleted {
		t.Errorf("expected one completed transfer job, got %+v", jobs)
	}
}

func TestTransition_RejectedActionsChangeNothing(t *testing.T) {
	h := newHarness(t)
	h.addSite(t, "tustin")
	ctx := context.Background()
	f := ingestOne(t, h, "/exports/bad.mov", 16)

	for _, action := range []workflow.Action{
		workflow.ActionQueue,
		workflow.ActionStartTransfer,
		workflow.ActionCompleteTransfer,
		workflow.ActionAssign,
		workflow.ActionStartWork,
		workflow.ActionDeliver,
		workflow.ActionArchive,
	} {
		t.Run(string(action), func(t *testing.T) {
			auditBefore, _ := h.registry.Audit(ctx, f.ID)

			_, err := h.registry.Transition(ctx, f.ID, action, operator, TransitionOptions{})
			var te *workflow.TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransitionError, got %v", err)
			}
			if te.From != workflow.StateDetected {
				t.Errorf("expected error from detected, got %s", te.From)
			}

			got, _ := h.registry.Get(ctx, f.ID)
			if got.State != workflow.StateDetected || got.Locked {
				t.Errorf("file mutated: state=%s locked=%v", got.State, got.Locked)
			}
			auditAfter, _ := h.registry.Audit(ctx, f.ID)
			if len(auditAfter) != len(auditBefore) {
				t.Error("rejected transition must not write audit")
			}
		})
	}
}

func TestTransition_RejectRecordsReason(t *testing.T) {
	h := newHarness(t)
	h.addSite(t, "tustin")
	ctx := context.Background()
	f := ingestOne(t, h, "/exports/rej.mov", 16)

	got, err := h.registry.Transition(ctx, f.ID, workflow.ActionReject, operator, TransitionOptions{Reason: "wrong codec"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.State != workflow.StateRejected || got.ErrorMessage == nil || *got.ErrorMessage != "wrong codec" {
		t.Errorf("unexpected record: %+v", got)
	}

	if _, err := h.registry.Transition(ctx, f.ID, workflow.ActionReject, operator, TransitionOptions{}); !errors.Is(err, workflow.ErrInvalidTransition) {
		t.Errorf("rejecting a rejected file must fail, got %v", err)
	}
}

func TestTransition_MissingFile(t *testing.T) {
	h := newHarness(t)
	_, err := h.registry.Transition(context.Background(), "nope", workflow.ActionValidate, operator, TransitionOptions{})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestTransition_ConcurrentRequestsOneWins(t *testing.T) {
	h := newHarness(t)
	h.addSite(t, "tustin")
	ctx := context.Background()
	f := ingestOne(t, h, "/exports/race.mov", 16)

	const n = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		wins     int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.registry.Transition(ctx, f.ID, workflow.ActionValidate, operator, TransitionOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, workflow.ErrInvalidTransition):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 || rejected != n-1 {
		t.Errorf("expected 1 win and %d rejections, got %d and %d", n-1, wins, rejected)
	}
	audit, _ := h.registry.Audit(ctx, f.ID)
	if len(audit) != 2 {
		t.Errorf("expected exactly one validate audit entry, got %d entries", len(audit))
	}
}

func TestAssign(t *testing.T) {
	ctx := context.Background()

	t.Run("prefers colorist", func(t *testing.T) {
		h := newHarness(t)
		h.addSite(t, "tustin")
		h.addUser(t, "root", string(rbac.RoleAdmin))
		h.addUser(t, "eng", string(rbac.RoleEngineer))
		c := h.addUser(t, "cara", string(rbac.RoleColorist))
		f := ingestOne(t, h, "/exports/a.mov", 8)
		h.registry.Transition(ctx, f.ID, workflow.ActionValidate, operator, TransitionOptions{})

		got, err := h.registry.Transition(ctx, f.ID, workflow.ActionAssign, operator, TransitionOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if *got.AssignedTo != c.ID {
			t.Errorf("expected colorist, got %s", *got.AssignedTo)
		}
	})

	t.Run("falls back to engineer", func(t *testing.T) {
		h := newHarness(t)
		h.addSite(t, "tustin")
		h.addUser(t, "ro", string(rbac.RoleReadonly))
		e := h.addUser(t, "eng", string(rbac.RoleEngineer))
		f := ingestOne(t, h, "/exports/b.mov", 8)
		h.registry.Transition(ctx, f.ID, workflow.ActionValidate, operator, TransitionOptions{})

		got, err := h.registry.Transition(ctx, f.ID, workflow.ActionAssign, operator, TransitionOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if *got.AssignedTo != e.ID {
			t.Errorf("expected engineer, got %s", *got.AssignedTo)
		}
	})

	t.Run("fallback keeps user order", func(t *testing.T) {
		h := newHarness(t)
		h.addSite(t, "tustin")
		h.addUser(t, "ro", string(rbac.RoleReadonly))
		a := h.addUser(t, "root", string(rbac.RoleAdmin))
		h.addUser(t, "eng", string(rbac.RoleEngineer))
		f := ingestOne(t, h, "/exports/e.mov", 8)
		h.registry.Transition(ctx, f.ID, workflow.ActionValidate, operator, TransitionOptions{})

		got, err := h.registry.Transition(ctx, f.ID, workflow.ActionAssign, operator, TransitionOptions{})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if *got.AssignedTo != a.ID {
			t.Errorf("expected the earlier admin, got %s", *got.AssignedTo)
		}
	})

	t.Run("fails without eligible users", func(t *testing.T) {
		h := newHarness(t)
		h.addSite(t, "tustin")
		h.addUser(t, "ro", string(rbac.RoleReadonly))
		f := ingestOne(t, h, "/exports/c.mov", 8)
		h.registry.Transition(ctx, f.ID, workflow.ActionValidate, operator, TransitionOptions{})

		_, err := h.registry.Transition(ctx, f.ID, workflow.ActionAssign, operator, TransitionOptions{})
		if !errors.Is(err, ErrNoAssignee) {
			t.Fatalf("expected ErrNoAssignee, got %v", err)
		}
		got, _ := h.registry.Get(ctx, f.ID)
		if got.State != workflow.StateValidated {
			t.Errorf("state changed to %s", got.State)
		}
	})

	t.Run("explicit unknown user", func(t *testing.T) {
		h := newHarness(t)
		h.addSite(t, "tustin")
		f := ingestOne(t, h, "/exports/d.mov", 8)
		h.registry.Transition(ctx, f.ID, workflow.ActionValidate, operator, TransitionOptions{})

		_, err := h.registry.Transition(ctx, f.ID, workflow.ActionAssign, operator, TransitionOptions{AssignTo: "ghost"})
		if !errors.Is(err, ErrUnknownUser) {
			t.Errorf("expected ErrUnknownUser, got %v", err)
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("unlocked file is removed with its bytes and audit", func(t *testing.T) {
		h := newHarness(t)
		h.addSite(t, "tustin")
		f := ingestOne(t, h, "/exports/del.mov", 64)

		if err := h.registry.Delete(ctx, f.ID, operator); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := h.registry.Get(ctx, f.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected file gone, got %v", err)
		}
		if _, err := os.Stat(*f.StoragePath); !os.IsNotExist(err) {
			t.Error("staged bytes should be removed")
		}
		if audit, _ := h.repo.FileAudit(ctx, f.ID); len(audit) != 0 {
			t.Errorf("expected audit cascade, got %d entries", len(audit))
		}
		if seen, _ := h.ledger.Seen(ctx, f.SHA256Hash); !seen {
			t.Error("ledger must outlive the file record")
		}
		if f, _ := h.repo.FindBySource(ctx, "tustin", "/exports/del.mov"); f != nil {
			t.Error("origin should be free after delete")
		}
	})

	t.Run("locked files can never be deleted", func(t *testing.T) {
		h := newHarness(t)
		h.addSite(t, "tustin")
		h.addUser(t, "cara", string(rbac.RoleColorist))
		f := ingestOne(t, h, "/exports/locked.mov", 64)

		actions := []workflow.Action{
			workflow.ActionValidate,
			workflow.ActionQueue,
			workflow.ActionStartTransfer,
			workflow.ActionCompleteTransfer,
			workflow.ActionAssign,
			workflow.ActionStartWork,
			workflow.ActionDeliver,
			workflow.ActionArchive,
		}
		for _, action := range actions {
			if _, err := h.registry.Transition(ctx, f.ID, action, operator, TransitionOptions{}); err != nil {
				t.Fatalf("%s: %v", action, err)
			}
			if err := h.registry.Delete(ctx, f.ID, operator); !errors.Is(err, ErrLocked) {
				t.Fatalf("after %s: expected ErrLocked, got %v", action, err)
			}
		}
		if _, err := os.Stat(*f.StoragePath); err != nil {
			t.Error("staged bytes of a locked file must survive")
		}
	})

	t.Run("rejected after validation is still locked", func(t *testing.T) {
		h := newHarness(t)
		h.addSite(t, "tustin")
		f := ingestOne(t, h, "/exports/lr.mov", 64)
		h.registry.Transition(ctx, f.ID, workflow.ActionValidate, operator, TransitionOptions{})
		h.registry.Transition(ctx, f.ID, workflow.ActionReject, operator, TransitionOptions{})

		if err := h.registry.Delete(ctx, f.ID, operator); !errors.Is(err, ErrLocked) {
			t.Errorf("expected ErrLocked, got %v", err)
		}
	})
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	h.addSite(t, "tustin")
	ctx := context.Background()
	a := ingestOne(t, h, "/exports/s1.mov", 8)
	ingestOne(t, h, "/exports/s2.mov", 9)
	h.registry.Transition(ctx, a.ID, workflow.ActionValidate, operator, TransitionOptions{})

	handle := h.tracker.Begin("live.mov", "tustin", "/exports/live.mov", nil)
	defer handle.End()

	stats, err := h.registry.Stats(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalFiles != 2 {
		t.Errorf("expected 2 files, got %d", stats.TotalFiles)
	}
	if stats.ByState[workflow.StateDetected] != 1 || stats.ByState[workflow.StateValidated] != 1 {
		t.Errorf("unexpected counts: %v", stats.ByState)
	}
	if _, ok := stats.ByState[workflow.StateArchived]; !ok {
		t.Error("every state should be present in the breakdown")
	}
	if stats.ActiveUploads != 1 {
		t.Errorf("expected 1 active upload, got %d", stats.ActiveUploads)
	}
}
