// Package supervisor owns client sessions and drives the runs and grading
// passes they start. It is transport-agnostic: commands come in as method
// calls and everything the client should see goes out through its Sink.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/metrics"
	"github.com/michaelbrown/runbox/internal/sandbox"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/suite"
)

// ErrUnknownClient is returned for commands from a client that is not connected.
var ErrUnknownClient = errors.New("unknown client")

const (
	defaultProvisionTimeout = 30 * time.Second
	destroyTimeout          = 15 * time.Second
)

// Config tunes a Controller.
type Config struct {
	// Command runs the submission inside a sandbox. It may reference the
	// artifact with sandbox.ArtifactPlaceholder.
	Command []string

	// Suite is what StartGrade grades against. Nil means suite.Default().
	Suite *suite.Suite

	// ProvisionTimeout bounds sandbox creation plus artifact injection.
	ProvisionTimeout time.Duration

	// RuntimeName is recorded in the ledger next to each sandbox.
	RuntimeName string
}

// Controller is the session lifecycle controller.
type Controller struct {
	runtime sandbox.Runtime
	ledger  storage.Ledger
	store   *Store
	grader  *Grader
	cfg     Config
	logger  zerolog.Logger

	cleanup sync.WaitGroup
}

// NewController creates a Controller. ledger may be nil.
func NewController(rt sandbox.Runtime, ledger storage.Ledger, cfg Config, logger zerolog.Logger) *Controller {
	if cfg.Suite == nil {
		cfg.Suite = suite.Default()
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = defaultProvisionTimeout
	}
	return &Controller{
		runtime: rt,
		ledger:  ledger,
		store:   NewStore(),
		grader:  NewGrader(rt, cfg.Command, cfg.Suite),
		cfg:     cfg,
		logger:  logger.With().Str("component", "supervisor").Logger(),
	}
}

// Store exposes the session store for read-only inspection.
func (c *Controller) Store() *Store { return c.store }

// Suite returns the suite grading passes run against.
func (c *Controller) Suite() *suite.Suite { return c.cfg.Suite }

// Connect registers clientID and routes its events to sink. Connecting an
// id that is already present swaps the sink and keeps the session.
func (c *Controller) Connect(clientID string, sink Sink) {
	if _, created := c.store.getOrCreate(clientID, sink); created {
		metrics.Sessions.Inc()
		c.logger.Debug().Str("client", clientID).Msg("client connected")
	}
}

// StartRun starts an interactive run of code for clientID, replacing any
// execution the client already has.
func (c *Controller) StartRun(ctx context.Context, clientID, code string) error {
	return c.start(ctx, clientID, ModeRun, code)
}

// StartGrade grades code against the configured suite for clientID,
// replacing any execution the client already has.
func (c *Controller) StartGrade(ctx context.Context, clientID, code string) error {
	return c.start(ctx, clientID, ModeGrade, code)
}

func (c *Controller) start(ctx context.Context, clientID string, mode Mode, code string) error {
	sess, ok := c.store.Get(clientID)
	if !ok {
		return ErrUnknownClient
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return ErrUnknownClient
	}

	if cur := sess.current; cur != nil {
		c.abort(sess, cur, "replaced")
	}
	sess.sink.Send(Event{Type: EventClearTerminal})

	pctx, cancel := context.WithTimeout(ctx, c.cfg.ProvisionTimeout)
	defer cancel()
	if !sess.beginProvision(cancel) {
		return ErrUnknownClient
	}
	defer sess.endProvision()
	began := time.Now()

	box, err := c.runtime.Create(pctx)
	if err != nil {
		if sess.isLeaving() {
			return nil
		}
		c.logger.Error().Err(err).Str("client", clientID).Str("mode", string(mode)).Msg("creating sandbox")
		metrics.ExecutionsTotal.WithLabelValues(string(mode), "error").Inc()
		sess.sink.Send(Event{Type: EventTerminalOutput, Text: failureText(mode)})
		sess.sink.Send(Event{Type: EventRunEligible})
		return nil
	}
	c.track(sess, box, mode)

	if err := c.runtime.Inject(pctx, box, []byte(code)); err != nil {
		c.destroy(sess, box)
		if sess.isLeaving() {
			return nil
		}
		c.logger.Error().Err(err).Str("client", clientID).Str("sandbox", box.ID()).Msg("injecting artifact")
		metrics.ExecutionsTotal.WithLabelValues(string(mode), "error").Inc()
		sess.sink.Send(Event{Type: EventTerminalOutput, Text: "Failed to copy code to sandbox.\n"})
		sess.sink.Send(Event{Type: EventRunEligible})
		return nil
	}
	metrics.ProvisionDuration.Observe(time.Since(began).Seconds())
	if sess.isLeaving() {
		c.destroy(sess, box)
		return nil
	}

	e := newExecution(sess, mode, box, c.logger)
	sess.current = e
	metrics.ActiveExecutions.Inc()
	e.log.Info().Msg("execution started")

	switch mode {
	case ModeGrade:
		go c.grade(e)
	default:
		go c.run(e)
	}
	return nil
}

// SupplyInput forwards text plus a newline to the client's running process.
// Input with nothing to receive it is dropped.
func (c *Controller) SupplyInput(clientID, text string) {
	sess, ok := c.store.Get(clientID)
	if !ok {
		return
	}
	sess.mu.Lock()
	e := sess.current
	sess.mu.Unlock()
	if e == nil {
		return
	}

	if e.writeInput([]byte(text + "\n")) {
		e.emit(Event{Type: EventRequestInput, Enabled: false})
	}
}

// Stop terminates the client's current execution, if any.
func (c *Controller) Stop(clientID string) {
	sess, ok := c.store.Get(clientID)
	if !ok {
		return
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()

	e := sess.current
	if e == nil {
		return
	}
	if c.abort(sess, e, "stopped") {
		sess.sink.Send(Event{Type: EventTerminalOutput, Text: "Code execution stopped.\n"})
		sess.sink.Send(Event{Type: EventRunEligible})
	}
}

// Disconnect terminates the client's execution, releases every sandbox it
// still holds and forgets the client. Nothing more is sent to its sink. A
// sandbox still being provisioned is abandoned and destroyed.
func (c *Controller) Disconnect(clientID string) {
	sess, ok := c.store.Get(clientID)
	if !ok {
		return
	}

	sess.leave()
	sess.mu.Lock()
	if !sess.closed {
		sess.closed = true
		if e := sess.current; e != nil {
			c.abort(sess, e, "disconnected")
		}
		for _, box := range sess.sandboxes {
			c.destroy(sess, box)
		}
		metrics.Sessions.Dec()
	}
	sess.mu.Unlock()

	c.store.remove(clientID, sess)
	c.logger.Debug().Str("client", clientID).Msg("client disconnected")
}

// Wait blocks until every destroy issued so far has returned.
func (c *Controller) Wait() {
	c.cleanup.Wait()
}

// Shutdown disconnects every client and waits for their sandboxes to be
// destroyed, or for ctx to end.
func (c *Controller) Shutdown(ctx context.Context) error {
	for _, sess := range c.store.all() {
		c.Disconnect(sess.ClientID)
	}

	done := make(chan struct{})
	go func() {
		c.cleanup.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abort closes e on behalf of stop, replace or disconnect. sess.mu must be held.
func (c *Controller) abort(sess *Session, e *execution, reason string) bool {
	if !e.claim() {
		return false
	}
	if sess.current == e {
		sess.current = nil
	}
	c.destroy(sess, e.box)
	c.ended(e, reason)
	return true
}

// finish closes e after it ended on its own. final runs only if no abort got
// there first, and run-eligible follows it.
func (c *Controller) finish(e *execution, outcome string, final func(Sink)) {
	sess := e.sess
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if !e.claim() {
		return
	}
	if sess.current == e {
		sess.current = nil
	}
	c.destroy(sess, e.box)
	c.ended(e, outcome)

	if final != nil {
		final(sess.sink)
	}
	sess.sink.Send(Event{Type: EventRunEligible})
}

func (c *Controller) ended(e *execution, outcome string) {
	metrics.ActiveExecutions.Dec()
	metrics.ExecutionsTotal.WithLabelValues(string(e.mode), outcome).Inc()
	e.log.Info().
		Str("outcome", outcome).
		Dur("elapsed", time.Since(e.started)).
		Msg("execution ended")
}

// track records a freshly created sandbox. sess.mu must be held.
func (c *Controller) track(sess *Session, box sandbox.Handle, mode Mode) {
	sess.sandboxes[box.ID()] = box
	metrics.SandboxesCreated.Inc()

	if c.ledger == nil {
		return
	}
	rec := &storage.SandboxRecord{
		ID:       box.ID(),
		ClientID: sess.ClientID,
		Runtime:  c.cfg.RuntimeName,
		Mode:     string(mode),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ledger.RecordSandbox(ctx, rec); err != nil {
		c.logger.Warn().Err(err).Str("sandbox", box.ID()).Msg("recording sandbox")
	}
}

// destroy releases box in the background. Each sandbox is handed to the
// runtime at most once per session. sess.mu must be held.
func (c *Controller) destroy(sess *Session, box sandbox.Handle) {
	if _, ok := sess.sandboxes[box.ID()]; !ok {
		return
	}
	delete(sess.sandboxes, box.ID())
	metrics.SandboxesDestroyed.Inc()

	c.cleanup.Add(1)
	go func() {
		defer c.cleanup.Done()
		ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
		defer cancel()

		c.runtime.Destroy(ctx, box)
		if c.ledger != nil {
			if err := c.ledger.MarkDestroyed(ctx, box.ID()); err != nil {
				c.logger.Warn().Err(err).Str("sandbox", box.ID()).Msg("marking sandbox destroyed")
			}
		}
	}()
}

func failureText(mode Mode) string {
	if mode == ModeGrade {
		return "Failed to grade code.\n"
	}
	return "Failed to run code.\n"
}
