// Package orchestrator runs the single-threaded main loop: pull open
// proposals, advance the change-chain engine, build whatever the scheduler
// names next, compose and post a verdict, and keep the store and web tree
// within the configured disk budget.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/buildwatch/buildwatch/internal/builder"
	"github.com/buildwatch/buildwatch/internal/chain"
	"github.com/buildwatch/buildwatch/internal/config"
	"github.com/buildwatch/buildwatch/internal/gitrepo"
	"github.com/buildwatch/buildwatch/internal/paths"
	"github.com/buildwatch/buildwatch/internal/review"
	"github.com/buildwatch/buildwatch/internal/scheduler"
	"github.com/buildwatch/buildwatch/internal/store"
)

// TickInterval is how long RunForever sleeps between iterations when there
// is no stop request, mirroring testbuilds.py's top-level poll sleep.
var TickInterval = 30 * time.Second

// Orchestrator owns every collaborator the loop ties together.
type Orchestrator struct {
	Cfg     *config.Config
	Repo    *gitrepo.Repo
	Store   *store.Store
	Paths   *paths.Resolver
	Chain   *chain.Engine
	Builder *builder.Builder
	Review  *review.Client
	Compose *review.Composer
	Metrics *Metrics

	StopPath string // stop.please sentinel, guards maintenance tools too
}

// New wires every collaborator from a loaded, validated config.
func New(cfg *config.Config, repo *gitrepo.Repo, st *store.Store, p *paths.Resolver) *Orchestrator {
	eng := chain.New(repo, cfg.GerritURL, nil, st)
	bld := builder.New(repo, st, p, cfg, eng)
	user, pass, _ := cfg.Auth()
	client := review.NewClient(cfg.GerritURL, cfg.Project, user, pass)
	compose := &review.Composer{
		Branch: cfg.Branch,
		Site:   cfg.Site,
		LinkURL: func(cid, version, parent string) string {
			return p.WWWLink(p.WWW(cid, version, parent, "", true))
		},
	}
	return &Orchestrator{
		Cfg:      cfg,
		Repo:     repo,
		Store:    st,
		Paths:    p,
		Chain:    eng,
		Builder:  bld,
		Review:   client,
		Compose:  compose,
		Metrics:  NewMetrics(),
		StopPath: filepath.Join(cfg.WWWRoot, "stop.please"),
	}
}

// StopRequested reports whether the stop.please sentinel is present.
func (o *Orchestrator) StopRequested() bool {
	_, err := os.Stat(o.StopPath)
	return err == nil
}

// remoteURL is the anonymous-fetch URL every open change in the configured
// project is fetched from, matching gitutils.get_remote's by-URL remote
// identity (one remote per project, not per change).
func (o *Orchestrator) remoteURL() string {
	base := o.Cfg.GerritURL
	if len(base) > 0 && base[len(base)-1] != '/' {
		base += "/"
	}
	return base + o.Cfg.Project
}

// gerritRef builds the canonical fetch ref for one revision of a change.
func gerritRef(number, patchset int) string {
	return fmt.Sprintf("refs/changes/%02d/%d/%d", number%100, number, patchset)
}

func (o *Orchestrator) openProposals() ([]chain.ProposalInfo, map[string]review.Change, error) {
	changes, err := o.Review.ListOpenChanges(o.Cfg.Branch)
	if err != nil {
		return nil, nil, fmt.Errorf("orchestrator: list open changes: %w", err)
	}
	var infos []chain.ProposalInfo
	for cid, gc := range changes {
		if gc.WorkInProgress {
			continue
		}
		rev, ok := gc.Revisions[gc.CurrentRevision]
		if !ok {
			continue
		}
		infos = append(infos, chain.ProposalInfo{
			CID:     cid,
			Number:  gc.Number,
			Version: rev.Number,
			Branch:  gc.Branch,
			Ref:     gerritRef(gc.Number, rev.Number),
			Remote:  o.remoteURL(),
		})
	}
	return infos, changes, nil
}

// RunForever loops ticks until the stop sentinel appears or ctx is
// cancelled, logging and continuing past any single iteration's error
// rather than exiting the process (matches re-cinq-detergent's runner
// loop, which treats a tick failure as transient, not fatal).
func (o *Orchestrator) RunForever(ctx context.Context) error {
	for {
		if o.StopRequested() {
			log.Printf("orchestrator: stop.please present, exiting cleanly")
			return nil
		}
		if err := o.Tick(); err != nil {
			o.Metrics.TickErrors.Inc()
			log.Printf("orchestrator: tick error: %s", err)
		}
		select {
		case <-ctx.Done():
			log.Printf("orchestrator: stopped (signal)")
			return nil
		case <-time.After(TickInterval):
		}
	}
}

// Tick runs one full iteration: fetch, advance the chain, build the next
// scheduled proposal (or the current release), compose and post a verdict,
// enforce the disk budget, and save the store.
func (o *Orchestrator) Tick() error {
	if err := o.Builder.MrProper(); err != nil {
		return fmt.Errorf("mr proper: %w", err)
	}

	infos, gerritChanges, err := o.openProposals()
	if err != nil {
		return err
	}
	base, err := o.Repo.RevParse("refs/heads/" + o.Cfg.BranchBase)
	if err != nil {
		return fmt.Errorf("resolve base branch: %w", err)
	}
	o.Chain.UpdateChanges(base, infos)

	for cid := range o.Store.Data.Change {
		if _, ok := gerritChanges[cid]; !ok {
			o.Store.SetChangeDone(cid)
		}
	}
	for cid, gc := range gerritChanges {
		rev := gc.Revisions[gc.CurrentRevision]
		score := 0
		if l, ok := gc.Labels["Code-Review"]; ok {
			if l.Score() == "+1" {
				score = 1
			} else if l.Score() == "-1" {
				score = -1
			}
		}
		var tags []string
		if gc.WorkInProgress {
			tags = append(tags, scheduler.TagWIP)
		}
		if gc.UnresolvedCommentCount > 0 {
			tags = append(tags, scheduler.TagUnresolved)
		}

		now := time.Now().Unix()
		info := &store.Change{
			ID:      gc.Number,
			Title:   gc.Subject,
			Version: rev.Number,
			Ref:     gerritRef(gc.Number, rev.Number),
			Tags:    tags,
			Review:  score,
			Time:    store.Times{Create: now, Version: now, Update: now},
		}
		if existing, ok := o.Store.Data.Change[cid]; ok {
			info.Time = existing.Time
			info.Time.Update = now
			if existing.Version != rev.Number {
				info.Time.Version = now
			}
		}
		o.Store.SetChangeInfo(cid, info)
	}

	if err := o.tickRelease(); err != nil {
		return fmt.Errorf("release build: %w", err)
	}

	queue := scheduler.Sorted(o.Store.Data, time.Now().Unix())
	o.reportQueueDepth(queue)
	if len(queue) > 0 {
		cid := queue[0]
		if err := o.buildAndReview(cid, gerritChanges[cid]); err != nil {
			log.Printf("orchestrator: build %s: %s", cid, err)
		}
	}

	if err := o.enforceDiskBudget(); err != nil {
		log.Printf("orchestrator: disk budget: %s", err)
	}

	start := time.Now()
	err = o.Store.Save()
	o.Metrics.StoreSaveSeconds.Observe(time.Since(start).Seconds())
	return err
}

func (o *Orchestrator) tickRelease() error {
	head, err := o.Repo.RevParse("refs/heads/" + o.Cfg.BranchBase)
	if err != nil {
		return err
	}
	if o.Store.Data.Current == "" {
		o.Store.Data.Current = head
	}
	_, err = o.Builder.UpdateRelease(o.remoteURL(), o.Cfg.BranchBase)
	return err
}

func (o *Orchestrator) buildAndReview(cid string, gc review.Change) error {
	c, ok := o.Chain.Get(cid)
	if !ok {
		return fmt.Errorf("no tracked change for %s", cid)
	}
	for arch := range o.Cfg.Arches {
		o.Metrics.BuildsAttempted.WithLabelValues(arch).Inc()
	}
	if err := o.Builder.BuildChange(c); err != nil {
		for arch := range o.Cfg.Arches {
			o.Metrics.BuildsFailed.WithLabelValues(arch).Inc()
		}
		return err
	}

	change := o.Store.Data.Change[cid]
	if change == nil {
		return nil
	}
	for arch, r := range change.LatestBuild().Rebased {
		if arch == "*" {
			continue
		}
		if r.OK != nil && *r.OK {
			o.Metrics.BuildsOK.WithLabelValues(arch).Inc()
		}
	}

	release := o.Store.Data.Release[change.LatestBuild().Parent]
	var parentResult map[string]store.ArchResult
	if release != nil {
		parentResult = release.Result
	}
	input, sent, ok := o.Compose.Compose(cid, change, parentResult, gc)
	if !ok {
		return nil
	}
	if err := o.Review.PostReview(gc, *input); err != nil {
		return fmt.Errorf("post review: %w", err)
	}
	change.SentReview = sent
	return nil
}

func (o *Orchestrator) reportQueueDepth(queue []string) {
	o.Metrics.QueueDepth.WithLabelValues("total").Set(float64(len(queue)))
}

// enforceDiskBudget samples free space on the www_root filesystem and
// escalates through the scheduler's two cleanup tiers when it drops below
// the configured threshold, matching testbuilds.py's check-and-clean
// sequence (soft pass, then the harder starved pass if still short).
func (o *Orchestrator) enforceDiskBudget() error {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(o.Cfg.WWWRoot, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", o.Cfg.WWWRoot, err)
	}
	free := int64(stat.Bavail) * int64(stat.Bsize)
	o.Metrics.DiskFreeBytes.Set(float64(free))
	if free >= o.Cfg.LowDiskBytes {
		return nil
	}

	now := time.Now().Unix()
	scheduler.RemoveOldHarder(o.Store, o.Paths, o.Cfg.Branch, o.Cfg.KeepDonePressureDays, now, o.Paths.DeleteChange)

	if err := syscall.Statfs(o.Cfg.WWWRoot, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", o.Cfg.WWWRoot, err)
	}
	free = int64(stat.Bavail) * int64(stat.Bsize)
	o.Metrics.DiskFreeBytes.Set(float64(free))
	if free >= o.Cfg.LowDiskBytes {
		return nil
	}

	log.Printf("orchestrator: still under low_disk threshold after RemoveOldHarder, starving every build's artifacts")
	scheduler.RemoveOldStarved(o.Store, o.Paths)
	return nil
}
