package moderation

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"
	yaml "gopkg.in/yaml.v2"

	"github.com/zenith-oss/groupguard/internal/observability"
	"github.com/zenith-oss/groupguard/resources"
)

const (
	wordlistResource = "wordlist.yml"

	// Classification cost is bounded regardless of message size.
	maxClassifiedRunes = 1000
)

type wordStore interface {
	ListCustomWords(ctx context.Context, chatID int64) ([]string, error)
}

type vocabulary struct {
	BannedWords []string `yaml:"banned_words"`
	SpamDomains []string `yaml:"spam_domains"`
}

type chatPattern struct {
	re      *regexp.Regexp // nil when the chat has no custom words
	builtAt time.Time
}

// ContentClassifier runs the lexical checks: a base vocabulary embedded
// at build time plus per-chat custom words, matched on whole-word
// boundaries against normalized text.
type ContentClassifier struct {
	words wordStore
	ttl   time.Duration

	base    *regexp.Regexp
	domains []string

	mapMutex sync.RWMutex
	perChat  map[int64]chatPattern

	now func() time.Time
}

func NewContentClassifier(words wordStore, ttl time.Duration) (*ContentClassifier, error) {
	raw, err := resources.FS.ReadFile(wordlistResource)
	if err != nil {
		return nil, errors.Wrap(err, "read embedded wordlist")
	}
	var vocab vocabulary
	if err := yaml.Unmarshal(raw, &vocab); err != nil {
		return nil, errors.Wrap(err, "parse embedded wordlist")
	}
	base, err := compileWordPattern(vocab.BannedWords)
	if err != nil {
		return nil, errors.Wrap(err, "compile base vocabulary")
	}

	domains := make([]string, 0, len(vocab.SpamDomains))
	for _, domain := range vocab.SpamDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			domains = append(domains, domain)
		}
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ContentClassifier{
		words:   words,
		ttl:     ttl,
		base:    base,
		domains: domains,
		perChat: map[int64]chatPattern{},
		now:     time.Now,
	}, nil
}

// Classify reports whether the text violates the lexical policy and, when
// it does, which token triggered the verdict. Empty text never violates.
func (c *ContentClassifier) Classify(ctx context.Context, chatID int64, text string) (bool, string) {
	if text == "" {
		return false, ""
	}

	ctx, span := otel.Tracer("content-classifier").Start(ctx, "classify")
	defer span.End()

	violated, token := c.match(ctx, chatID, text)
	if violated {
		observability.Logger.Warn("lexical violation",
			zap.Int64("chat_id", chatID),
			zap.String("token", token),
		)
	}
	return violated, token
}

func (c *ContentClassifier) match(ctx context.Context, chatID int64, text string) (bool, string) {
	normalized := Normalize(text)
	if normalized == "" {
		return false, ""
	}

	if c.base != nil {
		if match := c.base.FindString(normalized); match != "" {
			return true, match
		}
	}

	lowered := strings.ToLower(normalized)
	for _, domain := range c.domains {
		if strings.Contains(lowered, domain) {
			return true, domain
		}
	}

	if custom := c.chatPattern(ctx, chatID); custom != nil {
		if match := custom.FindString(normalized); match != "" {
			return true, match
		}
	}
	return false, ""
}

// Invalidate drops the cached custom-word pattern so the next message
// sees vocabulary edits immediately.
func (c *ContentClassifier) Invalidate(chatID int64) {
	c.mapMutex.Lock()
	delete(c.perChat, chatID)
	c.mapMutex.Unlock()
}

func (c *ContentClassifier) chatPattern(ctx context.Context, chatID int64) *regexp.Regexp {
	c.mapMutex.RLock()
	cached, ok := c.perChat[chatID]
	c.mapMutex.RUnlock()
	if ok && c.now().Sub(cached.builtAt) < c.ttl {
		return cached.re
	}

	words, err := c.words.ListCustomWords(ctx, chatID)
	if err != nil {
		c.getLogEntry().WithError(err).WithField("chat_id", chatID).Warn("failed to load custom words, using base vocabulary only")
		return nil
	}
	re, err := compileWordPattern(words)
	if err != nil {
		c.getLogEntry().WithError(err).WithField("chat_id", chatID).Warn("failed to compile custom words")
		re = nil
	}
	c.mapMutex.Lock()
	c.perChat[chatID] = chatPattern{re: re, builtAt: c.now()}
	c.mapMutex.Unlock()
	return re
}

func (c *ContentClassifier) getLogEntry() *log.Entry {
	return log.WithField("object", "ContentClassifier")
}

// compileWordPattern builds one case-insensitive alternation with word
// boundaries on both ends. Returns nil on an empty list.
func compileWordPattern(words []string) (*regexp.Regexp, error) {
	quoted := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}
		quoted = append(quoted, regexp.QuoteMeta(strings.ToLower(word)))
	}
	if len(quoted) == 0 {
		return nil, nil
	}
	return regexp.Compile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Normalize folds the text to NFKC, strips invisible runes attackers use
// to split tokens, and truncates to the classification length cap.
func Normalize(text string) string {
	normalized := norm.NFKC.String(text)
	var b strings.Builder
	b.Grow(len(normalized))
	count := 0
	for _, r := range normalized {
		if isInvisible(r) {
			continue
		}
		b.WriteRune(r)
		count++
		if count >= maxClassifiedRunes {
			break
		}
	}
	return strings.TrimFunc(b.String(), unicode.IsSpace)
}

func isInvisible(r rune) bool {
	switch r {
	case '\u200b', '\u200c', '\u200d', '\ufeff':
		return true
	}
	return false
}
