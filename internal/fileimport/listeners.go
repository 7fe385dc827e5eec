package fileimport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"regioncron/internal/domain"
	"regioncron/internal/events"
	"regioncron/internal/notify"
	"regioncron/internal/region"
	"regioncron/internal/store"
)

const (
	TopicStarted  = "file_import_started"
	TopicFinished = "file_import_update"
)

type Listeners struct {
	events events.Emitter
	now    func() time.Time
	log    zerolog.Logger
}

func NewListeners(em events.Emitter, log zerolog.Logger) *Listeners {
	return &Listeners{events: em, now: time.Now, log: log}
}

// Register binds both file import topics on relay.
func (l *Listeners) Register(relay *notify.Relay) error {
	if err := relay.Listen(TopicStarted, l.OnStarted); err != nil {
		return err
	}
	return relay.Listen(TopicFinished, l.OnFinished)
}

// OnStarted marks a pending upload as processing. Redelivery, or a start
// arriving after the upload already moved on, changes nothing.
func (l *Listeners) OnStarted(ctx context.Context, reg *region.Region, n notify.Notification) error {
	u, ok, err := l.load(ctx, reg, n)
	if err != nil || !ok {
		return err
	}
	started, err := reg.Store.StartUpload(ctx, u.ID, l.now())
	if err != nil {
		return fmt.Errorf("start upload %s: %w", u.ID, err)
	}
	if !started {
		l.log.Debug().Str("region", reg.Key).Str("item_id", u.ID).Str("status", string(u.Status)).Msg("upload not pending, ignoring start")
		return nil
	}
	prior := u.Status
	u.Status = domain.StatusProcessing
	l.events.Emit(ctx, events.Event{
		Name:        events.FileImportStarted,
		Region:      reg.Key,
		ProjectID:   u.ProjectID,
		Upload:      u,
		PriorStatus: prior,
	})
	return nil
}

// OnFinished applies the reported result if the upload is still open and
// emits FileImportProcessed for the transition. Redelivery for an upload
// that is already terminal changes nothing and emits nothing.
func (l *Listeners) OnFinished(ctx context.Context, reg *region.Region, n notify.Notification) error {
	u, ok, err := l.load(ctx, reg, n)
	if err != nil || !ok {
		return err
	}
	log := l.log.With().Str("region", reg.Key).Str("item_id", u.ID).Logger()
	if u.Status.Terminal() {
		log.Debug().Str("status", string(u.Status)).Msg("finish notification for a terminal upload, ignoring")
		return nil
	}
	status := domain.UploadStatus(n.Status)
	if status != domain.StatusSuccess && status != domain.StatusError {
		log.Warn().Str("status", string(u.Status)).Msg("finish notification for an open upload without a result")
		return nil
	}

	prior := u.Status
	moved, err := reg.Store.FinishUpload(ctx, u.ID, status, n.Message, l.now())
	if err != nil {
		return fmt.Errorf("finish upload %s: %w", u.ID, err)
	}
	if !moved {
		// the sweep or another delivery got there first
		log.Debug().Msg("upload closed concurrently, ignoring finish notification")
		return nil
	}
	if u, err = reg.Store.GetUpload(ctx, u.ID); err != nil {
		return fmt.Errorf("reload upload %s: %w", n.FileID, err)
	}
	l.events.Emit(ctx, events.Event{
		Name:        events.FileImportProcessed,
		Region:      reg.Key,
		ProjectID:   u.ProjectID,
		Upload:      u,
		PriorStatus: prior,
	})
	return nil
}

func (l *Listeners) load(ctx context.Context, reg *region.Region, n notify.Notification) (domain.FileUpload, bool, error) {
	if n.FileID == "" {
		l.log.Warn().Str("topic", n.Topic).Str("project_id", n.ProjectID).Msg("notification without file id, dropping")
		return domain.FileUpload{}, false, nil
	}
	u, err := reg.Store.GetUpload(ctx, n.FileID)
	if errors.Is(err, store.ErrNotFound) {
		l.log.Warn().Str("region", reg.Key).Str("item_id", n.FileID).Msg("upload not found in region, dropping")
		return domain.FileUpload{}, false, nil
	}
	if err != nil {
		return domain.FileUpload{}, false, fmt.Errorf("get upload %s: %w", n.FileID, err)
	}
	return u, true, nil
}
