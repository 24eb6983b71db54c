package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	v1 "github.com/BlackRoad-OS/blackroad-os-operator-sub000/pkg/api/v1"
)

// catalog is one immutable loaded pack set. Reload swaps the whole pointer
// so evaluations never see a partial state.
type catalog struct {
	packs    map[string]*Pack
	loadedAt time.Time
	loadErr  error
}

// Engine evaluates requests against the currently loaded catalog.
type Engine struct {
	dir     string
	current atomic.Pointer[catalog]
	watcher *fsnotify.Watcher
	logger  *logger.Logger
}

// NewEngine loads the catalog directory. A load failure is not fatal: the
// engine starts with an empty pack set and reports the error through
// Health, denying everything by default stance.
func NewEngine(dir string, log *logger.Logger) *Engine {
	e := &Engine{
		dir:    dir,
		logger: log.WithFields(zap.String("component", "policy_engine")),
	}
	e.Reload()
	return e
}

// Reload re-reads every pack file and atomically swaps the catalog.
func (e *Engine) Reload() error {
	packs, err := loadDir(e.dir)
	cat := &catalog{packs: packs, loadedAt: time.Now(), loadErr: err}
	if err != nil {
		cat.packs = map[string]*Pack{}
		e.logger.Error("policy catalog load failed", zap.Error(err))
	} else {
		e.logger.Info("policy catalog loaded",
			zap.Int("packs", len(packs)), zap.String("dir", e.dir))
	}
	e.current.Store(cat)
	return err
}

func loadDir(dir string) (map[string]*Pack, error) {
	if dir == "" {
		return map[string]*Pack{}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	packs := make(map[string]*Pack)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read pack %s: %w", entry.Name(), err)
		}
		var pack Pack
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return nil, fmt.Errorf("parse pack %s: %w", entry.Name(), err)
		}
		if pack.Scope == "" {
			return nil, fmt.Errorf("pack %s: missing scope", entry.Name())
		}
		if pack.DefaultStance == "" {
			pack.DefaultStance = v1.DecisionDeny
		}
		packs[pack.Scope] = &pack
	}
	return packs, nil
}

// Watch reloads the catalog whenever files in the directory change. Returns
// a stop function.
func (e *Engine) Watch() (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(e.dir); err != nil {
		watcher.Close()
		return nil, err
	}
	e.watcher = watcher

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					e.logger.Info("policy catalog changed, reloading",
						zap.String("file", event.Name))
					e.Reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				e.logger.Warn("policy watcher error", zap.Error(err))
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}, nil
}

// Evaluate runs the algorithm: iterate policies priority-descending; the
// first match with satisfied conditions decides. The required ledger level
// is the MAX over every policy whose action and resource patterns matched,
// whether or not its subject or conditions did.
func (e *Engine) Evaluate(req *v1.PolicyEvaluateRequest) *v1.PolicyEvaluateResponse {
	cat := e.current.Load()

	var selected []*Pack
	defaultStance := v1.DecisionDeny
	if req.Scope != "" {
		if pack, ok := cat.packs[req.Scope]; ok {
			selected = []*Pack{pack}
			defaultStance = pack.DefaultStance
		}
	} else {
		for _, pack := range cat.packs {
			selected = append(selected, pack)
		}
	}

	type candidate struct {
		pack   *Pack
		policy *Policy
	}
	var candidates []candidate
	for _, pack := range selected {
		for i := range pack.Policies {
			candidates = append(candidates, candidate{pack, &pack.Policies[i]})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].policy.Priority > candidates[j].policy.Priority
	})

	requiredLevel := v1.LedgerLevelNone
	var winner *Policy
	var lastFailure string

	for _, c := range candidates {
		p := c.policy
		if !MatchPattern(p.Action, req.Action) || !MatchPattern(p.Resource, req.Resource.Type) {
			continue
		}
		// Action and resource matched: this policy escalates the ledger
		// level even if the subject or conditions fail.
		requiredLevel = v1.MaxLedgerLevel(requiredLevel, p.LedgerLevel)

		if !subjectMatches(&p.Subject, &req.Subject) {
			lastFailure = fmt.Sprintf("policy %s: subject does not match", p.ID)
			continue
		}
		if reason, ok := conditionMet(p.Condition, &req.Context); !ok {
			lastFailure = fmt.Sprintf("policy %s: %s", p.ID, reason)
			continue
		}
		if winner == nil {
			winner = p
		}
	}

	if winner != nil {
		reason := winner.Description
		if reason == "" {
			reason = fmt.Sprintf("matched policy %s", winner.ID)
		}
		return &v1.PolicyEvaluateResponse{
			Decision:            winner.Effect,
			PolicyID:            winner.ID,
			PolicyVersion:       winner.PolicyVersion,
			Reason:              reason,
			RequiredLedgerLevel: requiredLevel,
		}
	}

	reason := "no matching policy; default stance applied"
	if lastFailure != "" {
		reason = lastFailure
	}
	return &v1.PolicyEvaluateResponse{
		Decision:            defaultStance,
		Reason:              reason,
		RequiredLedgerLevel: requiredLevel,
	}
}

func subjectMatches(match *SubjectMatch, subject *v1.PolicySubject) bool {
	if match.Role != "" && match.Role != "*" && match.Role != subject.Role {
		return false
	}
	if match.UserID != "" && match.UserID != subject.UserID {
		return false
	}
	for k, want := range match.Attrs {
		if subject.Attrs[k] != want {
			return false
		}
	}
	return true
}

func conditionMet(cond *Condition, ctx *v1.PolicyContext) (string, bool) {
	if cond == nil {
		return "", true
	}

	if cond.ClaimCheck != "" {
		found := false
		for _, claim := range ctx.Claims {
			if claim.Type == cond.ClaimCheck {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("missing claim %q", cond.ClaimCheck), false
		}
	}

	for _, fact := range cond.CallerAsserts {
		found := false
		for _, asserted := range ctx.AssertedFacts {
			if asserted == fact {
				found = true
				break
			}
		}
		if !found {
			return fmt.Sprintf("missing asserted fact %q", fact), false
		}
	}
	return "", true
}

// Packs returns the loaded packs keyed by scope.
func (e *Engine) Packs() map[string]*Pack {
	return e.current.Load().packs
}

// Health reports the catalog status for the health endpoint.
func (e *Engine) Health() map[string]interface{} {
	cat := e.current.Load()
	h := map[string]interface{}{
		"status":    "ok",
		"packs":     len(cat.packs),
		"loaded_at": cat.loadedAt,
	}
	if cat.loadErr != nil {
		h["status"] = "error"
		h["error"] = cat.loadErr.Error()
	}
	return h
}
