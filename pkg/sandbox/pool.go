package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolSaturated is returned when the submission queue is full. Callers
// treat it as backpressure and fail the verification attempt fast instead of
// buffering without bound.
var ErrPoolSaturated = errors.New("sandbox pool saturated")

// Pool fans sandbox executions across a fixed set of workers with a bounded
// submission queue.
type Pool struct {
	backends map[string]Sandbox
	queue    chan job
	wg       sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

type job struct {
	ctx      context.Context
	code     string
	language string
	cfg      Config
	testCode string
	result   chan jobResult
}

type jobResult struct {
	res *ExecutionResult
	err error
}

// NewPool starts workers goroutines draining a queue of queueDepth pending
// submissions. Backends are keyed by the languages they report.
func NewPool(workers, queueDepth int, backends ...Sandbox) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = workers * 2
	}
	p := &Pool{
		backends: make(map[string]Sandbox),
		queue:    make(chan job, queueDepth),
		done:     make(chan struct{}),
	}
	for _, b := range backends {
		for _, lang := range b.Languages() {
			p.backends[lang] = b
		}
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case j := <-p.queue:
			if j.ctx.Err() != nil {
				j.result <- jobResult{err: j.ctx.Err()}
				continue
			}
			res, err := p.backends[j.language].Execute(j.ctx, j.code, j.language, j.cfg, j.testCode)
			j.result <- jobResult{res: res, err: err}
		}
	}
}

// Execute submits a run and waits for its result. A full queue rejects
// immediately with ErrPoolSaturated.
func (p *Pool) Execute(ctx context.Context, code, language string, cfg Config, testCode string) (*ExecutionResult, error) {
	if _, ok := p.backends[language]; !ok {
		return nil, fmt.Errorf("sandbox pool: no backend for language %q", language)
	}
	j := job{
		ctx:      ctx,
		code:     code,
		language: language,
		cfg:      cfg,
		testCode: testCode,
		result:   make(chan jobResult, 1),
	}
	select {
	case p.queue <- j:
	default:
		return nil, ErrPoolSaturated
	}
	select {
	case r := <-j.result:
		return r.res, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) Languages() []string {
	langs := make([]string, 0, len(p.backends))
	for lang := range p.backends {
		langs = append(langs, lang)
	}
	return langs
}

// Close stops the workers. In-flight executions finish; queued submissions
// that were not picked up are abandoned.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}
