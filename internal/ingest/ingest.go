// Package ingest classifies the file changes of one commit and writes the
// resulting proposal versions and author links.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/Togather-Foundation/proposals/internal/metrics"
	"github.com/Togather-Foundation/proposals/internal/parser"
	"github.com/Togather-Foundation/proposals/internal/sourcehost"
	"github.com/Togather-Foundation/proposals/internal/storage"
)

// File actions recorded in results and metrics.
const (
	ActionUpserted = "upserted"
	ActionRenamed  = "renamed"
	ActionMoved    = "moved"
	ActionRemoved  = "removed"
	ActionUnparsed = "unparsed"
	ActionIgnored  = "ignored"
)

// Result counts what one commit did.
type Result struct {
	SharedFork bool
	Actions    map[string]int
}

func (r *Result) add(action string) {
	if r.Actions == nil {
		r.Actions = make(map[string]int)
	}
	r.Actions[action]++
}

// Parsed returns the number of files that produced a version.
func (r Result) Parsed() int {
	return r.Actions[ActionUpserted] + r.Actions[ActionRenamed] + r.Actions[ActionRemoved]
}

// Ingester applies commits to the store.
type Ingester struct {
	store     storage.Repository
	host      sourcehost.Client
	parsers   *parser.Registry
	relocated *parser.RelocationDetector
	logger    zerolog.Logger
}

// New creates an Ingester. A nil detector uses the default relocation
// patterns.
func New(store storage.Repository, host sourcehost.Client, parsers *parser.Registry, detector *parser.RelocationDetector, logger zerolog.Logger) *Ingester {
	if parsers == nil {
		parsers = parser.NewRegistry()
	}
	if detector == nil {
		detector = parser.MustRelocationDetector()
	}
	return &Ingester{
		store:     store,
		host:      host,
		parsers:   parsers,
		relocated: detector,
		logger:    logger.With().Str("component", "ingest").Logger(),
	}
}

// Apply processes one commit of repo. The committer is attributed to the
// repository first, whether or not tracked documents changed. If upstream is
// set and already recorded this commit, document processing is skipped as
// shared fork history.
//
// Unparseable files and removals of unknown documents are logged and
// skipped. Fetch and store errors abort the commit.
func (i *Ingester) Apply(ctx context.Context, repo sources.Repository, upstream *sources.Repository, commit sourcehost.CommitDetail) (Result, error) {
	var res Result
	log := i.logger.With().Str("repo", repo.FullName()).Str("protocol", repo.Protocol).Str("commit", commit.SHA).Logger()

	if err := i.attributeCommitter(ctx, repo, commit.Author); err != nil {
		return res, err
	}

	if upstream != nil {
		shared, err := i.store.Proposals().HasCommit(ctx, upstream.Owner, upstream.Repo, commit.SHA)
		if err != nil {
			return res, fmt.Errorf("check upstream commit: %w", err)
		}
		if shared {
			log.Debug().Str("upstream", upstream.FullName()).Msg("commit already recorded upstream")
			res.SharedFork = true
			return res, nil
		}
	}

	for _, f := range commit.Files {
		action, err := i.applyFile(ctx, repo, commit, f, log.With().Str("path", f.Path).Logger())
		if err != nil {
			return res, fmt.Errorf("%s %s: %w", f.Status, f.Path, err)
		}
		res.add(action)
		if action != ActionIgnored {
			metrics.FileChangesTotal.WithLabelValues(repo.Protocol, action).Inc()
		}
	}
	return res, nil
}

func (i *Ingester) attributeCommitter(ctx context.Context, repo sources.Repository, who authors.Descriptor) error {
	if who.Empty() {
		return nil
	}
	return i.store.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		a, err := resolveAuthor(ctx, tx.Authors(), who, false)
		if err != nil {
			return fmt.Errorf("resolve committer: %w", err)
		}
		err = tx.Authors().UpsertMaintainer(ctx, authors.Maintainer{
			AuthorID: a.ID,
			Owner:    repo.Owner,
			Repo:     repo.Repo,
			Protocol: repo.Protocol,
		})
		if err != nil {
			return fmt.Errorf("record maintainer: %w", err)
		}
		return nil
	})
}

func (i *Ingester) applyFile(ctx context.Context, repo sources.Repository, commit sourcehost.CommitDetail, f sourcehost.FileChange, log zerolog.Logger) (string, error) {
	inNew := repo.InScope(f.Path)
	inOld := f.PreviousPath != "" && repo.InScope(f.PreviousPath)

	switch f.Status {
	case sourcehost.StatusAdded, sourcehost.StatusModified:
		if !inNew {
			return ActionIgnored, nil
		}
		return i.upsertDocument(ctx, repo, commit, f.Path, log, nil)

	case sourcehost.StatusRenamed:
		switch {
		case inOld && inNew:
			return i.rename(ctx, repo, commit, f, log)
		case inOld:
			return i.leaveScope(ctx, repo, commit, f, log)
		case inNew:
			return i.upsertDocument(ctx, repo, commit, f.Path, log, nil)
		}
		return ActionIgnored, nil

	case sourcehost.StatusRemoved:
		if !inNew {
			return ActionIgnored, nil
		}
		return i.remove(ctx, repo, commit, f.Path, log)
	}

	log.Debug().Str("status", f.Status).Msg("unhandled change status")
	return ActionIgnored, nil
}

func (i *Ingester) parserFor(repo sources.Repository) parser.Parser {
	if repo.Format != "" {
		if p, err := parser.ForFormat(repo.Format); err == nil {
			return p
		}
	}
	return i.parsers.For(repo.Protocol)
}

func proposalKey(repo sources.Repository, number int) proposals.Key {
	return proposals.Key{Owner: repo.Owner, Repo: repo.Repo, Protocol: repo.Protocol, Number: number}
}

func hostRepo(repo sources.Repository) sourcehost.Repo {
	return sourcehost.Repo{Owner: repo.Owner, Name: repo.Repo, Branch: repo.Branch}
}

// ContentHash fingerprints a document body.
func ContentHash(body string) string {
	sum := sha256.Sum256([]byte(body))
	return hex.EncodeToString(sum[:])
}

// txStep is a write that commits together with the document written after it.
type txStep func(ctx context.Context, tx storage.Repository) error

// applyAlone commits step by itself when the document could not be recorded.
func (i *Ingester) applyAlone(ctx context.Context, step txStep) error {
	if step == nil {
		return nil
	}
	return i.store.WithTx(ctx, step)
}

// upsertDocument parses path at the commit and writes proposal, version and
// author links in one transaction, after before when it is set. A fetch
// failure writes nothing.
func (i *Ingester) upsertDocument(ctx context.Context, repo sources.Repository, commit sourcehost.CommitDetail, path string, log zerolog.Logger, before txStep) (string, error) {
	number, ok := parser.NumberFromPath(path, repo.Prefix)
	if !ok {
		log.Warn().Msg("no document number in path")
		return ActionUnparsed, i.applyAlone(ctx, before)
	}

	body, err := i.host.FileContent(ctx, hostRepo(repo), path, commit.SHA)
	if errors.Is(err, sourcehost.ErrNotFound) {
		log.Warn().Msg("file missing at commit")
		return ActionUnparsed, i.applyAlone(ctx, before)
	}
	if err != nil {
		return "", fmt.Errorf("fetch content: %w", err)
	}

	doc := i.parserFor(repo).Parse(body, parser.FallbackTitle(path))
	if doc == nil {
		log.Warn().Msg("no recognizable metadata, skipping file")
		return ActionUnparsed, i.applyAlone(ctx, before)
	}
	target, relocated := i.relocated.Detect(body)

	err = i.store.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		if before != nil {
			if err := before(ctx, tx); err != nil {
				return err
			}
		}
		md := doc.Metadata()
		p, err := tx.Proposals().Upsert(ctx, proposals.UpsertParams{
			Key:        proposalKey(repo, number),
			Path:       path,
			Metadata:   md,
			CommitDate: commit.Date,
		})
		if err != nil {
			return fmt.Errorf("upsert proposal: %w", err)
		}

		v, created, err := tx.Proposals().UpsertVersion(ctx, proposals.VersionParams{
			ProposalID:  p.ID,
			CommitSHA:   commit.SHA,
			CommitDate:  commit.Date,
			Body:        body,
			ContentHash: ContentHash(body),
			Metadata:    md,
		})
		if err != nil {
			return fmt.Errorf("upsert version: %w", err)
		}

		// A replayed commit already has its links.
		if created {
			for _, d := range doc.Authors {
				a, err := resolveAuthor(ctx, tx.Authors(), d, true)
				if err != nil {
					return err
				}
				if err := tx.Authors().LinkVersion(ctx, v.ID, a.ID); err != nil {
					return fmt.Errorf("link author: %w", err)
				}
			}
		}

		if relocated && isLatest(p, commit.Date) {
			if err := tx.Proposals().MarkMoved(ctx, p.ID, target, commit.Date); err != nil {
				return fmt.Errorf("mark moved: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	if relocated {
		log.Info().Str("moved_to_path", target).Msg("relocation notice found")
		return ActionMoved, nil
	}
	return ActionUpserted, nil
}

// isLatest reports whether commitDate is the newest change applied to p.
func isLatest(p *proposals.Proposal, commitDate time.Time) bool {
	return p.LastCommitAt == nil || !p.LastCommitAt.After(commitDate)
}

// rename moves an existing proposal to its new path and number in place and
// records the new content as a version of it. The move and the new version
// commit together.
func (i *Ingester) rename(ctx context.Context, repo sources.Repository, commit sourcehost.CommitDetail, f sourcehost.FileChange, log zerolog.Logger) (string, error) {
	oldNumber, okOld := parser.NumberFromPath(f.PreviousPath, repo.Prefix)
	newNumber, okNew := parser.NumberFromPath(f.Path, repo.Prefix)
	if !okOld || !okNew {
		return i.upsertDocument(ctx, repo, commit, f.Path, log, nil)
	}

	existing, err := i.store.Proposals().GetByKey(ctx, proposalKey(repo, oldNumber))
	if errors.Is(err, proposals.ErrNotFound) {
		log.Debug().Str("previous_path", f.PreviousPath).Msg("rename of unknown document, treating as added")
		return i.upsertDocument(ctx, repo, commit, f.Path, log, nil)
	}
	if err != nil {
		return "", fmt.Errorf("find renamed proposal: %w", err)
	}

	if newNumber != oldNumber {
		_, err := i.store.Proposals().GetByKey(ctx, proposalKey(repo, newNumber))
		switch {
		case err == nil:
			// The new number is taken: keep both and link old to new.
			log.Warn().Int("number", newNumber).Msg("rename target number already tracked")
			markMoved := func(ctx context.Context, tx storage.Repository) error {
				if err := tx.Proposals().MarkMoved(ctx, existing.ID, f.Path, commit.Date); err != nil {
					return fmt.Errorf("mark moved: %w", err)
				}
				return nil
			}
			if _, err := i.upsertDocument(ctx, repo, commit, f.Path, log, markMoved); err != nil {
				return "", err
			}
			return ActionRenamed, nil
		case !errors.Is(err, proposals.ErrNotFound):
			return "", fmt.Errorf("check rename target: %w", err)
		}
	}

	relocate := func(ctx context.Context, tx storage.Repository) error {
		if err := tx.Proposals().UpdateLocation(ctx, existing.ID, f.Path, newNumber); err != nil {
			return fmt.Errorf("update location: %w", err)
		}
		return nil
	}
	action, err := i.upsertDocument(ctx, repo, commit, f.Path, log, relocate)
	if err != nil {
		return "", err
	}
	if action == ActionUpserted {
		action = ActionRenamed
	}
	return action, nil
}

// leaveScope records a rename out of the tracked folder as a relocation to
// the new path.
func (i *Ingester) leaveScope(ctx context.Context, repo sources.Repository, commit sourcehost.CommitDetail, f sourcehost.FileChange, log zerolog.Logger) (string, error) {
	number, ok := parser.NumberFromPath(f.PreviousPath, repo.Prefix)
	if !ok {
		return ActionIgnored, nil
	}
	p, err := i.store.Proposals().GetByKey(ctx, proposalKey(repo, number))
	if errors.Is(err, proposals.ErrNotFound) {
		log.Info().Str("previous_path", f.PreviousPath).Msg("unknown document left the tracked folder")
		return ActionIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("find moved proposal: %w", err)
	}
	if !isLatest(p, commit.Date) {
		return ActionIgnored, nil
	}
	if err := i.store.Proposals().MarkMoved(ctx, p.ID, f.Path, commit.Date); err != nil {
		return "", fmt.Errorf("mark moved: %w", err)
	}
	log.Info().Int64("proposal_id", p.ID).Msg("document moved out of the tracked folder")
	return ActionMoved, nil
}

// remove appends a terminal Deleted version and marks the proposal Deleted.
func (i *Ingester) remove(ctx context.Context, repo sources.Repository, commit sourcehost.CommitDetail, path string, log zerolog.Logger) (string, error) {
	number, ok := parser.NumberFromPath(path, repo.Prefix)
	if !ok {
		return ActionIgnored, nil
	}
	p, err := i.store.Proposals().GetByKey(ctx, proposalKey(repo, number))
	if errors.Is(err, proposals.ErrNotFound) {
		log.Info().Msg("removal of unknown document")
		return ActionIgnored, nil
	}
	if err != nil {
		return "", fmt.Errorf("find removed proposal: %w", err)
	}

	body := fmt.Sprintf("Removed %s at commit %s.", path, commit.SHA)
	md := p.Metadata
	md.Status = proposals.StatusDeleted

	err = i.store.WithTx(ctx, func(ctx context.Context, tx storage.Repository) error {
		if _, _, err := tx.Proposals().UpsertVersion(ctx, proposals.VersionParams{
			ProposalID:  p.ID,
			CommitSHA:   commit.SHA,
			CommitDate:  commit.Date,
			Body:        body,
			ContentHash: ContentHash(body),
			Metadata:    md,
		}); err != nil {
			return fmt.Errorf("append deleted version: %w", err)
		}
		if !isLatest(p, commit.Date) {
			return nil
		}
		if err := tx.Proposals().SetStatus(ctx, p.ID, proposals.StatusDeleted); err != nil {
			return fmt.Errorf("mark deleted: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return ActionRemoved, nil
}
