package task

import (
	"context"
	"fmt"
	"time"

	"github.com/dbporter/dbporter/internal/adapter"
	"github.com/dbporter/dbporter/internal/backup"
	"github.com/dbporter/dbporter/internal/config"
	"github.com/dbporter/dbporter/internal/export"
	"github.com/dbporter/dbporter/internal/format"
	"github.com/dbporter/dbporter/internal/importer"
	"github.com/dbporter/dbporter/internal/logging"
	"github.com/dbporter/dbporter/internal/secrets"
	"github.com/dbporter/dbporter/internal/storage"
)

// JobRunner executes claimed tasks: it resolves the profile and
// storage backend from configuration, decrypts credentials at the last
// moment and drives the export, import, backup or restore engines.
type JobRunner struct {
	cfg       *config.Config
	store     *Store
	decryptor secrets.Decryptor
}

func NewJobRunner(cfg *config.Config, store *Store, decryptor secrets.Decryptor) *JobRunner {
	return &JobRunner{cfg: cfg, store: store, decryptor: decryptor}
}

func (r *JobRunner) Execute(ctx context.Context, t *Task) (Outcome, error) {
	outcome := Outcome{FailedOffset: -1}

	conn, kind, err := r.connect(ctx, t.ProfileID)
	if err != nil {
		return outcome, err
	}
	defer conn.Close()

	backend, err := r.openBackend(ctx, t.Params.Storage)
	if err != nil {
		return outcome, err
	}
	defer backend.Close()

	cancelled := func() bool {
		flag, err := r.store.CancelRequested(ctx, t.ID)
		if err != nil {
			logging.Warn("polling cancel flag", "task", t.ID, "error", err)
			return false
		}
		return flag
	}

	switch t.Kind {
	case KindExport:
		return r.runExport(ctx, t, conn, backend, cancelled)
	case KindImport:
		return r.runImport(ctx, t, conn, backend, cancelled)
	case KindBackup:
		return r.runBackup(ctx, t, conn, backend, kind)
	case KindRestore:
		return r.runRestore(ctx, t, conn, backend, kind)
	default:
		return outcome, fmt.Errorf("unknown task kind %q", t.Kind)
	}
}

func (r *JobRunner) runExport(ctx context.Context, t *Task, conn adapter.Conn, backend storage.Backend, cancelled func() bool) (Outcome, error) {
	outcome := Outcome{FailedOffset: -1}

	f, err := format.Parse(t.Params.Format)
	if err != nil {
		return outcome, err
	}
	destPath := t.Params.Path
	if destPath == "" {
		destPath = fmt.Sprintf("%s/%s-%s%s",
			t.ProfileID, t.Params.Table, time.Now().UTC().Format("20060102T150405Z"), f.Ext())
	}

	res, err := export.Run(ctx, conn, backend, destPath, export.Options{
		Table:     t.Params.Table,
		Format:    f,
		BatchSize: r.cfg.Worker.BatchSize,
		Buffers:   r.cfg.Worker.PipelineBuffers,
		Progress: func(rows, bytes int64) {
			r.store.UpdateProgress(ctx, t.ID, "exporting", rows, bytes)
		},
		Cancelled: cancelled,
	})
	if res != nil {
		outcome.Rows = res.Rows
		outcome.Bytes = res.Bytes
	}
	return outcome, err
}

func (r *JobRunner) runImport(ctx context.Context, t *Task, conn adapter.Conn, backend storage.Backend, cancelled func() bool) (Outcome, error) {
	outcome := Outcome{FailedOffset: -1}

	f, err := format.Parse(t.Params.Format)
	if err != nil {
		return outcome, err
	}
	mode := adapter.WriteMode(t.Params.Mode)
	if mode == "" {
		mode = adapter.ModeAppend
	}

	res, err := importer.Run(ctx, conn, backend, t.Params.Path, importer.Options{
		Table:       t.Params.Table,
		Format:      f,
		BatchSize:   r.cfg.Worker.BatchSize,
		Mode:        mode,
		CreateTable: t.Params.CreateTable,
		StartOffset: t.Params.StartOffset,
		Progress: func(rows int64) {
			r.store.UpdateProgress(ctx, t.ID, "importing", rows, 0)
		},
		Cancelled: cancelled,
	})
	if res != nil {
		outcome.Rows = res.RowsCommitted
		outcome.FailedOffset = res.FailedOffset
	}
	return outcome, err
}

func (r *JobRunner) runBackup(ctx context.Context, t *Task, conn adapter.Conn, backend storage.Backend, kind adapter.Kind) (Outcome, error) {
	outcome := Outcome{FailedOffset: -1}

	mgr := backup.NewManager(backend, r.cfg.Worker.PipelineBuffers)
	artifact, err := mgr.Backup(ctx, conn, t.ProfileID, kind, backup.Options{
		Phase: func(phase string) {
			r.store.UpdateProgress(ctx, t.ID, phase, 0, 0)
		},
		// Byte ticks only happen while the dump streams into the
		// upload, which is the uploading phase.
		Progress: func(bytes int64) {
			r.store.UpdateProgress(ctx, t.ID, "uploading", 0, bytes)
		},
	})
	if artifact != nil {
		outcome.Bytes = artifact.Size
	}
	return outcome, err
}

func (r *JobRunner) runRestore(ctx context.Context, t *Task, conn adapter.Conn, backend storage.Backend, kind adapter.Kind) (Outcome, error) {
	outcome := Outcome{FailedOffset: -1}

	r.store.UpdateProgress(ctx, t.ID, "restoring", 0, 0)
	mgr := backup.NewManager(backend, r.cfg.Worker.PipelineBuffers)
	return outcome, mgr.Restore(ctx, conn, kind, t.Params.Path, t.Params.Overwrite)
}

// connect resolves a stored profile, decrypts its credentials and
// opens the engine connection.
func (r *JobRunner) connect(ctx context.Context, profileID string) (adapter.Conn, adapter.Kind, error) {
	p, ok := r.cfg.ProfileByID(profileID)
	if !ok {
		return nil, "", fmt.Errorf("unknown profile %q", profileID)
	}

	a, err := adapter.Get(p.Engine)
	if err != nil {
		return nil, "", err
	}

	password, err := r.decryptor.Decrypt(p.Credentials)
	if err != nil {
		return nil, "", fmt.Errorf("decrypting credentials of profile %s: %w", profileID, err)
	}

	port := p.Port
	if port == 0 {
		port = a.DefaultPort()
	}
	conn, err := a.Connect(ctx, adapter.Profile{
		ID:         p.ID,
		Name:       p.Name,
		Engine:     a.Kind(),
		Host:       p.Host,
		Port:       port,
		Database:   p.Database,
		Username:   p.Username,
		Password:   password,
		AuthSource: p.AuthSource,
	})
	if err != nil {
		return nil, "", err
	}
	return conn, a.Kind(), nil
}

func (r *JobRunner) openBackend(ctx context.Context, name string) (storage.Backend, error) {
	sc, ok := r.cfg.Storage[name]
	if !ok {
		return nil, fmt.Errorf("unknown storage %q", name)
	}
	return storage.Open(ctx, storage.Location{
		Type:      storage.BackendType(sc.Type),
		Root:      sc.Root,
		Bucket:    sc.Bucket,
		Endpoint:  sc.Endpoint,
		Region:    sc.Region,
		AccessKey: sc.AccessKey,
		SecretKey: sc.SecretKey,
		UseSSL:    sc.UseSSL,
		Host:      sc.Host,
		Port:      sc.Port,
		User:      sc.User,
		Password:  sc.Password,
		Passive:   sc.Passive,
	})
}
