package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go_commitfest/internal/archive"
	"go_commitfest/internal/config"
	"go_commitfest/internal/db"
	"go_commitfest/internal/ledger"
	"go_commitfest/internal/model"
	"go_commitfest/internal/notify"
	"go_commitfest/internal/policy"
	"go_commitfest/internal/thread"
	"go_commitfest/internal/workflow"

	"gorm.io/gorm"
)

// cfcron is the periodic maintenance binary, meant to run from cron
// every few minutes. Each run rolls the cycle ledger forward, polls the
// archives for new mail on attached threads, and flushes queued
// notifications into mail digests.
func main() {
	var (
		configPath    = flag.String("config", "/etc/commitfest/cfcron.ini", "path to INI configuration file")
		doRollover    = flag.Bool("rollover", true, "roll expired cycles forward")
		doThreads     = flag.Bool("refresh-threads", true, "poll the archives for new thread mail")
		doNotify      = flag.Bool("send-notifications", true, "flush pending notifications into mail digests")
		threadTimeout = flag.Duration("thread-timeout", 5*time.Minute, "total time budget for thread refresh")
	)
	flag.Parse()

	cfg, err := config.LoadFromINI(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := db.InitMySQL(cfg.MySQL.DSN); err != nil {
		log.Fatalf("Failed to initialize MySQL: %v", err)
	}
	defer db.Close()

	engine := workflow.NewEngine()
	movePolicy := policy.New(engine, cfg.AutoMove.EmailActivityDays, cfg.AutoMove.MaxFailingDays,
		cfg.NotificationFrom, cfg.BaseURL)
	cycleLedger := ledger.New(db.DB(), movePolicy, cfg.AutoCreateCycles)

	if *doRollover {
		if _, err := cycleLedger.Relevant(true); err != nil {
			log.Fatalf("Cycle rollover failed: %v", err)
		}
		log.Println("✓ Cycle ledger up to date")
	}

	if *doThreads {
		archiveClient := archive.NewClient(&archive.Config{
			Server:     cfg.Archives.Server,
			Port:       cfg.Archives.Port,
			Host:       cfg.Archives.Host,
			TimeoutSec: cfg.Archives.TimeoutSec,
		})
		threadSvc := thread.NewService(archiveClient)

		ctx, cancel := context.WithTimeout(context.Background(), *threadTimeout)
		defer cancel()
		if err := refreshThreads(ctx, db.DB(), threadSvc); err != nil {
			log.Fatalf("Thread refresh failed: %v", err)
		}
		log.Println("✓ Threads refreshed")
	}

	if *doNotify {
		if err := notify.Flush(db.DB(), cfg.NotificationFrom, cfg.BaseURL); err != nil {
			log.Fatalf("Notification flush failed: %v", err)
		}
		log.Println("✓ Notifications flushed")
	}
}

// refreshThreads polls every thread attached to a patch with a live,
// open participation. Threads of closed patches no longer get new mail
// that matters.
func refreshThreads(ctx context.Context, gdb *gorm.DB, svc *thread.Service) error {
	var threads []model.MailThread
	err := gdb.Distinct("mail_threads.*").
		Joins("JOIN patch_mail_threads pmt ON pmt.mail_thread_id = mail_threads.id").
		Joins("JOIN patch_on_cycles poc ON poc.patch_id = pmt.patch_id").
		Where("poc.status IN ?", model.OpenPatchStatuses).
		Find(&threads).Error
	if err != nil {
		return err
	}

	for i := range threads {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := gdb.Transaction(func(tx *gorm.DB) error {
			return svc.Refresh(ctx, tx, &threads[i])
		})
		if err != nil {
			// One unreachable thread must not starve the rest.
			log.Printf("Refresh of thread %s failed: %v", threads[i].MessageID, err)
		}
	}
	return nil
}
