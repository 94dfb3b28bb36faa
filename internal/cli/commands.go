package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disnet/flint-note-sync/internal/common"
	"github.com/disnet/flint-note-sync/internal/crdt"
	"github.com/disnet/flint-note-sync/internal/storage"
	"github.com/disnet/flint-note-sync/internal/syncer"
)

// grantPollInterval is how often 'join' polls the exchange for its grant.
const grantPollInterval = 2 * time.Second

func (a *App) cmdInit(ctx context.Context) error {
	if a.identity != nil {
		return errors.New("this device already holds a vault")
	}
	if err := a.trust.CreateVault(ctx); err != nil {
		return err
	}
	if err := a.saveIdentity(ctx); err != nil {
		return err
	}
	if err := a.setupBackup(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Vault %s created. Device %q is authorized.\n",
		a.trust.Identity().VaultID, a.trust.DeviceID())
	return nil
}

func (a *App) cmdJoin(ctx context.Context) error {
	if a.identity != nil {
		return errors.New("this device already holds a vault")
	}

	code, err := a.svc.RequestDeviceAuthorization(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Verification code: %s\n", code)
	fmt.Fprintln(a.out, "Run 'notesync approve", code+"' on an authorized device. Waiting...")

	ticker := time.NewTicker(grantPollInterval)
	defer ticker.Stop()
	for {
		done, err := a.svc.CompleteDeviceAuthorization(ctx)
		if err != nil {
			if errors.Is(err, common.ErrRequestExpired) {
				return errors.New("the authorization request expired; run 'notesync join' again")
			}
			return err
		}
		if done {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	if err := a.saveIdentity(ctx); err != nil {
		return err
	}
	if err := a.setupBackup(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Device %q joined vault %s.\n",
		a.trust.DeviceID(), a.trust.Identity().VaultID)
	return nil
}

func (a *App) cmdApprove(ctx context.Context, code string) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	if err := a.svc.ApproveDevice(ctx, code); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return errors.New("no pending request matches that code")
		}
		return err
	}
	fmt.Fprintln(a.out, "Device approved.")
	return nil
}

func (a *App) cmdList(ctx context.Context) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	list, err := a.svc.ListNotes(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(a.out, "No notes.")
		return nil
	}
	for _, n := range list {
		title := n.Meta.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(a.out, "%s  %s\n", n.ID, title)
	}
	return nil
}

func (a *App) cmdAdd(ctx context.Context, title string) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	text, err := GetMultiline(a.in, "Note text", a.out)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	note, err := a.svc.CreateNote(ctx, text, crdt.Metadata{
		Title:   title,
		Type:    "note",
		Created: now,
		Updated: now,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Created note %s.\n", note.ID)
	return nil
}

func (a *App) cmdShow(ctx context.Context, id string) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	note, err := a.svc.GetNote(ctx, id)
	if err != nil {
		return err
	}
	if note.Deleted {
		fmt.Fprintf(a.out, "Note %s is deleted.\n", note.ID)
		return nil
	}
	if note.Meta.Title != "" {
		fmt.Fprintf(a.out, "# %s\n\n", note.Meta.Title)
	}
	fmt.Fprintln(a.out, note.Text)
	return nil
}

func (a *App) cmdEdit(ctx context.Context, id string) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	text, err := GetMultiline(a.in, "New text", a.out)
	if err != nil {
		return err
	}
	note, err := a.svc.UpdateNote(ctx, id, func(ed *crdt.Editor) error {
		ed.SetText(text)
		meta := ed.Metadata()
		meta.Updated = time.Now().UTC()
		ed.SetMetadata(meta)
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Updated note %s.\n", note.ID)
	return nil
}

func (a *App) cmdDelete(ctx context.Context, id string) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	if err := a.svc.DeleteNote(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Deleted note %s.\n", id)
	return nil
}

// enableSync dials the bucket and starts the orchestrator.
func (a *App) enableSync(ctx context.Context) error {
	bucket, scope, err := a.remote.Bucket(ctx)
	if err != nil {
		return err
	}
	remote := storage.NewEncryptedStore(bucket, a.trust.Session(), scope)
	return a.svc.EnableSync(ctx, remote, syncer.Config{Interval: a.config.SyncInterval})
}

func (a *App) cmdSync(ctx context.Context) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}

	// Pick up a pending key rotation before touching remote documents.
	if rotated, err := a.trust.RefreshKey(ctx); err == nil && rotated {
		a.svc.ReencryptLocal(ctx)
		fmt.Fprintln(a.out, "Vault key was rotated; run 'notesync backup' to refresh your password backup.")
	}

	if err := a.enableSync(ctx); err != nil {
		return err
	}
	defer a.svc.DisableSync()

	statuses, cancel, err := a.svc.OnSyncStatus()
	if err != nil {
		return err
	}
	defer cancel()
	events, err := a.svc.SyncEvents()
	if err != nil {
		return err
	}

	fmt.Fprintln(a.out, "Syncing. Press Ctrl-C to stop.")
	for {
		select {
		case <-ctx.Done():
			return nil
		case st := <-statuses:
			line := st.State.String()
			if st.Degraded {
				line += " (degraded)"
			}
			if st.LastError != "" {
				line += ": " + st.LastError
			}
			fmt.Fprintln(a.out, line)
		case ev := <-events:
			a.printEvent(ev)
		}
	}
}

func (a *App) printEvent(ev syncer.Event) {
	switch ev.Kind {
	case syncer.EventDeletionConflict:
		fmt.Fprintf(a.out,
			"Note %s was deleted on another device but edited here.\n"+
				"Run 'notesync resolve %s [--keep-local]' to settle it.\n",
			ev.DocID, ev.DocID)
	case syncer.EventConcurrentMerge:
		fmt.Fprintf(a.out, "Merged concurrent edits on note %s.\n", ev.DocID)
	}
}

func (a *App) cmdStatus(ctx context.Context) error {
	fmt.Fprintf(a.out, "Device:  %s\n", a.config.DeviceID)
	if a.identity == nil {
		fmt.Fprintln(a.out, "State:   unbootstrapped")
		return nil
	}
	fmt.Fprintf(a.out, "Vault:   %s\n", a.identity.VaultID)
	fmt.Fprintln(a.out, "Devices:")
	for _, d := range a.identity.Devices {
		fmt.Fprintf(a.out, "  %s  added %s\n", d.ID, d.AddedAt.Format(time.RFC3339))
	}
	return nil
}

// cmdResolve runs one sync cycle so conflicts are discovered, settles the
// named one, then syncs again to publish the outcome.
func (a *App) cmdResolve(ctx context.Context, id string, keepLocal bool) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	if err := a.enableSync(ctx); err != nil {
		return err
	}
	defer a.svc.DisableSync()

	if err := a.waitForIdle(ctx); err != nil {
		return err
	}
	if err := a.svc.ResolveDeletion(ctx, id, keepLocal); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("note %s has no deletion conflict", id)
		}
		return err
	}
	if err := a.waitForIdle(ctx); err != nil {
		return err
	}
	if keepLocal {
		fmt.Fprintf(a.out, "Kept the local edits; note %s is live again.\n", id)
	} else {
		fmt.Fprintf(a.out, "Accepted the remote deletion of note %s.\n", id)
	}
	return nil
}

// waitForIdle blocks until the orchestrator finishes its current cycle.
func (a *App) waitForIdle(ctx context.Context) error {
	statuses, cancel, err := a.svc.OnSyncStatus()
	if err != nil {
		return err
	}
	defer cancel()

	if err := a.svc.TriggerSync(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-statuses:
			switch st.State {
			case syncer.StateIdle:
				return nil
			case syncer.StateError:
				return fmt.Errorf("sync failed: %s", st.LastError)
			}
		}
	}
}

func (a *App) cmdBackup(ctx context.Context) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	if err := a.setupBackup(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Password backup updated.")
	return nil
}

func (a *App) cmdRevoke(ctx context.Context, deviceID string) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	if err := a.trust.RevokeDevice(ctx, deviceID); err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("no device %q in the vault", deviceID)
		}
		return err
	}
	if err := a.saveIdentity(ctx); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Device %q revoked. Run 'notesync rotate-key' to cut off its key.\n", deviceID)
	return nil
}

func (a *App) cmdRotateKey(ctx context.Context) error {
	if err := a.unlock(ctx); err != nil {
		return err
	}
	// Dial first so rekey grants for the other devices can be published.
	if _, _, err := a.remote.Bucket(ctx); err != nil {
		return err
	}
	if err := a.svc.RotateVaultKey(ctx); err != nil {
		return err
	}
	// The old backup blob wraps the retired key.
	if err := a.setupBackup(ctx); err != nil {
		return err
	}
	fmt.Fprintln(a.out, "Vault key rotated. Run 'notesync sync' to re-upload notes.")
	return nil
}
