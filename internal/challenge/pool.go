package challenge

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"sync/atomic"
)

// Pool is a fixed set of pre-rendered captchas handed out round-robin, so
// a join flood does not turn into a rendering flood.
type Pool struct {
	items []*Captcha
	next  atomic.Uint64
}

// PreparePool renders size captchas. Individual render failures are skipped;
// the pool fails only when nothing could be rendered or ctx is cancelled.
// A nil random reads from crypto/rand.
func PreparePool(ctx context.Context, size int, cfg Config, r Renderer, random io.Reader) (*Pool, error) {
	if random == nil {
		random = rand.Reader
	}
	if size <= 0 {
		return nil, fmt.Errorf("captcha pool size must be positive, got %d", size)
	}
	if r == nil {
		return nil, ErrRenderingUnavailable
	}

	p := &Pool{items: make([]*Captcha, 0, size)}
	var lastErr error
	for i := 0; i < size; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		answer, err := Token(random, cfg.CaptchaDictionary, cfg.CaptchaLength)
		if err != nil {
			return nil, err
		}
		c, err := renderCaptcha(r, answer)
		if err != nil {
			lastErr = err
			continue
		}
		p.items = append(p.items, c)
	}

	if len(p.items) == 0 {
		return nil, fmt.Errorf("no captcha could be rendered: %w", lastErr)
	}
	return p, nil
}

// Len returns the number of captchas in the pool.
func (p *Pool) Len() int { return len(p.items) }

// Next returns the next captcha.
func (p *Pool) Next() *Captcha {
	i := p.next.Add(1) - 1
	return p.items[i%uint64(len(p.items))]
}
