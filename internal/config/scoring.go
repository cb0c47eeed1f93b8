package config

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// ScoringRules defines the deterministic relevance heuristic applied to every
// observation at insert time. The defaults are compiled in; deployments can
// override them with a YAML file (WM_SCORING_RULES) that is hot-reloaded.
type ScoringRules struct {
	BaseScore float64 `yaml:"base_score"`

	// Content heuristics
	LongContentLength     int      `yaml:"long_content_length"`
	VeryLongContentLength int      `yaml:"very_long_content_length"`
	LengthBonus           float64  `yaml:"length_bonus"`
	QuestionBonus         float64  `yaml:"question_bonus"`
	Keywords              []string `yaml:"keywords"`
	KeywordBonus          float64  `yaml:"keyword_bonus"`

	// Context flags
	ScreenshotBonus    float64 `yaml:"screenshot_bonus"`
	UserInitiatedBonus float64 `yaml:"user_initiated_bonus"`
	SessionStartBonus  float64 `yaml:"session_start_bonus"`

	// Metadata flags
	ImportantBonus  float64 `yaml:"important_bonus"`
	RatingThreshold float64 `yaml:"rating_threshold"`
	RatingBonus     float64 `yaml:"rating_bonus"`
	FollowUpBonus   float64 `yaml:"follow_up_bonus"`

	// Recency
	RecencyWindow time.Duration `yaml:"recency_window"`
	RecencyBonus  float64       `yaml:"recency_bonus"`
}

// DefaultScoringRules returns the built-in scoring heuristic.
func DefaultScoringRules() ScoringRules {
	return ScoringRules{
		BaseScore:             0.5,
		LongContentLength:     100,
		VeryLongContentLength: 500,
		LengthBonus:           0.1,
		QuestionBonus:         0.1,
		Keywords:              []string{"error", "help", "how to", "explain", "show me"},
		KeywordBonus:          0.2,
		ScreenshotBonus:       0.2,
		UserInitiatedBonus:    0.1,
		SessionStartBonus:     0.3,
		ImportantBonus:        0.3,
		RatingThreshold:       0.7,
		RatingBonus:           0.2,
		FollowUpBonus:         0.1,
		RecencyWindow:         time.Minute,
		RecencyBonus:          0.1,
	}
}

// LoadScoringRules parses a YAML rules file. Fields omitted from the file
// keep their default values.
func LoadScoringRules(path string) (ScoringRules, error) {
	rules := DefaultScoringRules()

	data, err := os.ReadFile(path)
	if err != nil {
		return rules, fmt.Errorf("failed to read scoring rules file: %w", err)
	}

	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, fmt.Errorf("failed to parse scoring rules YAML: %w", err)
	}

	return rules, nil
}

// ScoringWatcher serves the current scoring rules and reloads them when the
// underlying file changes. Safe for concurrent readers.
type ScoringWatcher struct {
	mu      sync.RWMutex
	rules   ScoringRules
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewScoringWatcher returns a watcher serving the built-in defaults. If path
// is non-empty the file is loaded immediately and watched for changes; a
// missing or malformed file logs a warning and falls back to defaults.
func NewScoringWatcher(path string) *ScoringWatcher {
	w := &ScoringWatcher{
		rules: DefaultScoringRules(),
		done:  make(chan struct{}),
	}

	if path == "" {
		return w
	}

	rules, err := LoadScoringRules(path)
	if err != nil {
		log.Printf("⚠️  [SCORING] %v (using built-in defaults)", err)
		return w
	}
	w.rules = rules
	log.Printf("✅ [SCORING] Loaded scoring rules from %s (%d keywords)", path, len(rules.Keywords))

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  [SCORING] Failed to create file watcher: %v (hot reload disabled)", err)
		return w
	}
	if err := fw.Add(path); err != nil {
		log.Printf("⚠️  [SCORING] Failed to watch %s: %v (hot reload disabled)", path, err)
		fw.Close()
		return w
	}

	w.watcher = fw
	go w.watch(path)
	return w
}

func (w *ScoringWatcher) watch(path string) {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			rules, err := LoadScoringRules(path)
			if err != nil {
				log.Printf("⚠️  [SCORING] Reload failed, keeping previous rules: %v", err)
				continue
			}
			w.mu.Lock()
			w.rules = rules
			w.mu.Unlock()
			log.Printf("🔄 [SCORING] Reloaded scoring rules from %s", path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  [SCORING] Watcher error: %v", err)
		}
	}
}

// Rules returns the current scoring rules.
func (w *ScoringWatcher) Rules() ScoringRules {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.rules
}

// Close stops the file watcher. Safe to call on a watcher without a file.
func (w *ScoringWatcher) Close() {
	close(w.done)
	if w.watcher != nil {
		w.watcher.Close()
	}
}
