package eligibility

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/joelkehle/trialmatch/internal/llm"
)

const tracerName = "github.com/joelkehle/trialmatch/internal/eligibility"

type cachedKeywords struct {
	digest [sha256.Size]byte
	text   string
}

// KeywordIdentifier asks the service for one keyword per criterion line.
// Results are cached per trial ID and reused until the trial's criteria text
// changes.
type KeywordIdentifier struct {
	gen   llm.TextGenerator
	cache *lru.Cache[string, cachedKeywords]
	log   logrus.FieldLogger
}

// NewKeywordIdentifier caches up to cacheSize trials; zero disables caching.
func NewKeywordIdentifier(gen llm.TextGenerator, cacheSize int, logger logrus.FieldLogger) (*KeywordIdentifier, error) {
	k := &KeywordIdentifier{gen: gen, log: orDiscard(logger)}
	if cacheSize > 0 {
		cache, err := lru.New[string, cachedKeywords](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("keyword cache: %w", err)
		}
		k.cache = cache
	}
	return k, nil
}

// Identify returns the service's raw keyword text for criteria. The text is
// not inspected.
func (k *KeywordIdentifier) Identify(ctx context.Context, trialID, criteria string) (string, error) {
	digest := sha256.Sum256([]byte(criteria))
	fields := logrus.Fields{"trial_id": trialID, "stage": "identify_keywords"}
	if k.cache != nil && trialID != "" {
		if hit, ok := k.cache.Get(trialID); ok && hit.digest == digest {
			k.log.WithFields(fields).Debug("keyword cache hit")
			return hit.text, nil
		}
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "eligibility.identify_keywords")
	defer span.End()
	span.SetAttributes(attribute.String("trial.id", trialID), attribute.Int("criteria.chars", len(criteria)))

	start := time.Now()
	text, err := k.gen.Generate(ctx, keywordSystemPrompt, buildKeywordPrompt(criteria))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "keyword identification failed")
		return "", err
	}
	fields["elapsed_ms"] = time.Since(start).Milliseconds()
	k.log.WithFields(fields).Info("keywords identified")
	if k.cache != nil && trialID != "" {
		k.cache.Add(trialID, cachedKeywords{digest: digest, text: text})
	}
	return text, nil
}

func orDiscard(logger logrus.FieldLogger) logrus.FieldLogger {
	if logger != nil {
		return logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
