// Package dispatcher drives every unseen mailbox message through the
// parse → match → lookup → reply → consume state machine.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/matcher"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/parser"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/inbound/session"
	"github.com/Hokazono1968/AcessoBBoxSatelite/internal/registry"
)

// Outcome is the terminal or retryable result for one message.
type Outcome string

const (
	// OutcomeRepliedSuccess: registered requester, code sent, consumed.
	OutcomeRepliedSuccess Outcome = "replied_success"
	// OutcomeRepliedRejected: unregistered CPF, rejection sent, consumed.
	OutcomeRepliedRejected Outcome = "replied_rejected"
	// OutcomeSkippedMalformed: unparsable message, consumed.
	OutcomeSkippedMalformed Outcome = "skipped_malformed"
	// OutcomeSkippedNoTag: ordinary mail without the request tag, consumed.
	OutcomeSkippedNoTag Outcome = "skipped_no_tag"
	// OutcomeSkippedNoCode: no access code configured; left unconsumed so
	// the request completes once the operator sets one.
	OutcomeSkippedNoCode Outcome = "skipped_no_code"
	// OutcomeFailed: transient registry/relay failure, left unconsumed.
	OutcomeFailed Outcome = "failed"
)

// consumed reports whether an outcome is terminal, i.e. the source message
// is safe to mark seen.
func (o Outcome) consumed() bool {
	switch o {
	case OutcomeRepliedSuccess, OutcomeRepliedRejected, OutcomeSkippedMalformed, OutcomeSkippedNoTag:
		return true
	default:
		return false
	}
}

// Result is the per-message accounting record.
type Result struct {
	Handle   session.Handle
	Outcome  Outcome
	CPF      string
	Consumed bool
	Err      error
}

// Summary aggregates one run.
type Summary struct {
	Searched int
	Results  []Result
	Counts   map[Outcome]int
	Elapsed  time.Duration
}

// Mailbox is the session surface the pipeline drives. A single run owns
// exactly one open/search/fetch-all/close cycle.
type Mailbox interface {
	Open(ctx context.Context) error
	SearchUnseen(window time.Duration) ([]session.Handle, error)
	Fetch(h session.Handle) ([]byte, error)
	MarkConsumed(h session.Handle) error
	Close() error
}

// Registry is the identity/access-code read surface.
type Registry interface {
	Lookup(ctx context.Context, cpf string) (*registry.Identity, error)
	AccessCode(ctx context.Context) (string, error)
}

// Relay sends one reply and reports completion before the pipeline decides
// whether to consume the source message.
type Relay interface {
	Send(ctx context.Context, to, subject, body string) error
}

// Reply wording, as the requester sees it.
const (
	successSubject  = "CÓDIGO DE ACESSO - Lavanderia"
	rejectedSubject = "Pedido não autorizado - código não encontrado"
)

func successBody(name, code string) string {
	return fmt.Sprintf(`Olá %s,

Recebemos sua solicitação.
Segue o código de acesso:

%s

Atenciosamente,
Administração do Condomínio
`, name, code)
}

func rejectedBody(cpf string) string {
	return fmt.Sprintf("Não encontramos cadastro para o CPF informado (%s).\n", cpf)
}

// Pipeline processes one batch of unseen messages per Run.
type Pipeline struct {
	box     Mailbox
	reg     Registry
	relay   Relay
	match   *matcher.Matcher
	parse   func([]byte) (*parser.ParsedMessage, error)
	logger  *log.Logger
	workers int
	timeout time.Duration
	now     func() time.Time

	// Runs are serialized: the manual check and the scheduled poll share
	// one mailbox session.
	runMu sync.Mutex
	// The IMAP session does not tolerate concurrent protocol commands.
	sessionMu sync.Mutex
}

// PipelineOption customizes pipeline behavior.
type PipelineOption func(*Pipeline)

// WithWorkers bounds the per-message fan-out.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithLogger overrides the audit logger.
func WithLogger(logger *log.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithStageTimeout bounds each registry and relay call.
func WithStageTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithClock overrides the wall clock, primarily for tests.
func WithClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

func withParser(parse func([]byte) (*parser.ParsedMessage, error)) PipelineOption {
	return func(p *Pipeline) {
		p.parse = parse
	}
}

// New wires a pipeline over its collaborators.
func New(box Mailbox, reg Registry, relay Relay, match *matcher.Matcher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		box:     box,
		reg:     reg,
		relay:   relay,
		match:   match,
		parse:   parser.Parse,
		logger:  log.Default(),
		workers: 4,
		timeout: 15 * time.Second,
		now:     time.Now,
	}
	if p.match == nil {
		p.match = matcher.New(matcher.DefaultPrefix)
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes one open/search/fetch-all/close cycle. Per-message failures
// never abort the batch; only connection and search failures abort the run.
func (p *Pipeline) Run(ctx context.Context, window time.Duration) (Summary, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	start := p.now()
	summary := Summary{Counts: map[Outcome]int{}}

	if err := p.box.Open(ctx); err != nil {
		return summary, err
	}
	defer func() {
		if err := p.box.Close(); err != nil {
			p.logger.Printf("dispatch: session close: %v", err)
		}
	}()

	handles, err := p.box.SearchUnseen(window)
	if err != nil {
		return summary, fmt.Errorf("%w: %v", session.ErrConnection, err)
	}
	summary.Searched = len(handles)
	if len(handles) == 0 {
		summary.Elapsed = p.now().Sub(start)
		observeRun(summary)
		return summary, nil
	}

	workers := p.workers
	if workers > len(handles) {
		workers = len(handles)
	}
	jobs := make(chan session.Handle)
	results := make(chan Result, len(handles))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for h := range jobs {
				results <- p.processMessage(ctx, h)
			}
		}()
	}

feed:
	for _, h := range handles {
		select {
		case jobs <- h:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	close(results)

	for res := range results {
		summary.Results = append(summary.Results, res)
		summary.Counts[res.Outcome]++
		p.audit(res)
	}
	summary.Elapsed = p.now().Sub(start)
	observeRun(summary)
	return summary, ctx.Err()
}

// processMessage runs one message to its terminal or retryable branch.
func (p *Pipeline) processMessage(ctx context.Context, h session.Handle) Result {
	if err := ctx.Err(); err != nil {
		return Result{Handle: h, Outcome: OutcomeFailed, Err: err}
	}

	raw, err := p.fetch(h)
	if err != nil {
		return Result{Handle: h, Outcome: OutcomeFailed, Err: err}
	}

	msg, err := p.parse(raw)
	if err != nil {
		// Garbage input; nothing to retry and nobody to answer.
		return p.finish(Result{Handle: h, Outcome: OutcomeSkippedMalformed, Err: err})
	}

	tag, ok := p.match.Match(msg.Subject)
	if !ok {
		// The default, high-volume branch: unrelated inbox traffic.
		return p.finish(Result{Handle: h, Outcome: OutcomeSkippedNoTag})
	}

	identity, err := p.lookup(ctx, tag.CPF)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		return p.reply(ctx, Result{Handle: h, CPF: tag.CPF, Outcome: OutcomeRepliedRejected},
			msg.Sender, rejectedSubject, rejectedBody(tag.CPF))
	case err != nil:
		return Result{Handle: h, CPF: tag.CPF, Outcome: OutcomeFailed, Err: err}
	}

	code, err := p.accessCode(ctx)
	switch {
	case errors.Is(err, registry.ErrNoAccessCode):
		// Operator-actionable; the requester is still waiting, so the
		// message stays unseen for the next run.
		return Result{Handle: h, CPF: tag.CPF, Outcome: OutcomeSkippedNoCode, Err: err}
	case err != nil:
		return Result{Handle: h, CPF: tag.CPF, Outcome: OutcomeFailed, Err: err}
	}

	return p.reply(ctx, Result{Handle: h, CPF: tag.CPF, Outcome: OutcomeRepliedSuccess},
		msg.Sender, successSubject, successBody(identity.FullName, code))
}

// reply sends and then decides consumption: a request is only consumed if
// the requester was told the outcome.
func (p *Pipeline) reply(ctx context.Context, res Result, to, subject, body string) Result {
	sendCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.relay.Send(sendCtx, to, subject, body); err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		return res
	}
	return p.finish(res)
}

// finish marks terminal outcomes consumed.
func (p *Pipeline) finish(res Result) Result {
	if !res.Outcome.consumed() {
		return res
	}
	p.sessionMu.Lock()
	err := p.box.MarkConsumed(res.Handle)
	p.sessionMu.Unlock()
	if err != nil {
		// The reply already went out; the worst case is a duplicate reply
		// on the next run, which is harmless.
		p.logger.Printf("dispatch: mark consumed %d: %v", res.Handle, err)
		return res
	}
	res.Consumed = true
	return res
}

func (p *Pipeline) fetch(h session.Handle) ([]byte, error) {
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	return p.box.Fetch(h)
}

func (p *Pipeline) lookup(ctx context.Context, cpf string) (*registry.Identity, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.reg.Lookup(ctx, cpf)
}

func (p *Pipeline) accessCode(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.reg.AccessCode(ctx)
}

// audit writes the per-message trail. Never the access code, never
// credentials.
func (p *Pipeline) audit(res Result) {
	switch {
	case res.Err != nil && res.Outcome == OutcomeFailed:
		p.logger.Printf("dispatch: message=%d outcome=%s cpf=%s err=%v", res.Handle, res.Outcome, res.CPF, res.Err)
	case res.CPF != "":
		p.logger.Printf("dispatch: message=%d outcome=%s cpf=%s consumed=%t", res.Handle, res.Outcome, res.CPF, res.Consumed)
	default:
		p.logger.Printf("dispatch: message=%d outcome=%s consumed=%t", res.Handle, res.Outcome, res.Consumed)
	}
}
