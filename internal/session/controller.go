package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/viva/internal/analytics"
	"github.com/ent0n29/viva/internal/argument"
	"github.com/ent0n29/viva/internal/audio"
	"github.com/ent0n29/viva/internal/connector"
	"github.com/ent0n29/viva/internal/observability"
	"github.com/ent0n29/viva/internal/playback"
	"github.com/ent0n29/viva/internal/protocol"
	"github.com/ent0n29/viva/internal/reliability"
	"github.com/ent0n29/viva/internal/turns"
)

type Options struct {
	ID         string
	Connector  connector.Config
	Processor  audio.ProcessorConfig
	Turns      turns.Config
	Classifier argument.Classifier

	// RecordPath, when set, receives a WAV dump of the encoded capture stream.
	RecordPath string
	// TickInterval paces playback bookkeeping.
	TickInterval time.Duration
	// EndGrace is how long playback must stay quiet after the end marker
	// before the session ends.
	EndGrace time.Duration

	Metrics *observability.Metrics
	Logger  *logrus.Entry
	Now     func() time.Time
}

// Controller runs one oral-exam session. All mutable session state is owned
// by a single event-loop goroutine; readers get copies through Snapshot.
type Controller struct {
	id        string
	opts      Options
	transport connector.Transport
	source    Source
	output    Output
	metrics   *observability.Metrics
	log       *logrus.Entry
	now       func() time.Time

	mu      sync.RWMutex
	snap    Snapshot
	started bool
	running bool
	finals  []func(Final)
	final   *Final

	// Resources released by Cleanup. Guarded by mu.
	conn        *connector.Connector
	sched       *playback.Scheduler
	recorder    *audio.Recorder
	cancelSetup context.CancelFunc

	subsMu     sync.Mutex
	subs       map[int]chan Notification
	nextSub    int
	subsClosed bool

	endCh     chan struct{}
	endOnce   sync.Once
	loopDone  chan struct{}
	finalDone chan struct{}

	tearingDown atomic.Bool
	cleanupOnce sync.Once
	cleanupErr  error

	// Owned by the event loop.
	proc         *audio.Processor
	machine      *turns.Machine
	agg          *analytics.Aggregator
	builder      *argument.Builder
	liveAt       time.Time
	firstAudio   bool
	endPending   bool
	lastActivity time.Time
}

func NewController(transport connector.Transport, source Source, output Output, opts Options) *Controller {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 20 * time.Millisecond
	}
	if opts.EndGrace <= 0 {
		opts.EndGrace = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Controller{
		id:        opts.ID,
		opts:      opts,
		transport: transport,
		source:    source,
		output:    output,
		metrics:   opts.Metrics,
		log:       log.WithFields(logrus.Fields{"session_id": opts.ID, "component": "session"}),
		now:       opts.Now,
		snap:      Snapshot{ID: opts.ID, State: StateIdle},
		subs:      make(map[int]chan Notification),
		endCh:     make(chan struct{}),
		loopDone:  make(chan struct{}),
		finalDone: make(chan struct{}),
	}
}

func (c *Controller) ID() string { return c.id }

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.State
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap.clone()
}

// OnFinal registers fn to receive the final history. A callback registered
// after the session finished is called immediately.
func (c *Controller) OnFinal(fn func(Final)) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	if c.final != nil {
		final := *c.final
		c.mu.Unlock()
		fn(final)
		return
	}
	c.finals = append(c.finals, fn)
	c.mu.Unlock()
}

// Subscribe returns a stream of notifications and a cancel func. The channel
// is closed when the session finishes. Slow subscribers miss intermediate
// notifications, but the last message is always the final snapshot.
func (c *Controller) Subscribe() (<-chan Notification, func()) {
	ch := make(chan Notification, 32)
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	if c.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return ch, func() {
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		if sub, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(sub)
		}
	}
}

func (c *Controller) notify(n Notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// closeSubscribers hands every subscriber last and closes its channel. A
// full channel loses its oldest queued notification so last always arrives.
func (c *Controller) closeSubscribers(last Notification) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	c.subsClosed = true
	for id, ch := range c.subs {
		select {
		case ch <- last:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- last:
			default:
			}
		}
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Controller) snapshotNotification() Notification {
	return Notification{Type: protocol.TypeSessionSnapshot, Payload: c.Snapshot()}
}

func (c *Controller) setState(state State, cause error) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	c.mu.Lock()
	c.snap.State = state
	c.snap.Error = detail
	c.snap.ErrorCategory = reliability.Classify(cause)
	if state.Terminal() && c.snap.EndedAt.IsZero() {
		c.snap.EndedAt = c.now()
	}
	c.mu.Unlock()
	c.notify(Notification{Type: protocol.TypeSystemEvent, Payload: protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: c.id,
		Code:      "state_" + string(state),
		Detail:    detail,
	}})
}

// Start acquires the audio devices, connects to the dialogue endpoint and
// starts the event loop. A device failure returns ErrPermission and leaves
// the session Idle; cancelling ctx during setup also returns to Idle. End
// during setup abandons the dial and ends the session with
// ErrEndedDuringSetup.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.mu.Unlock()
	if c.tearingDown.Load() {
		return c.endDuringSetup(nil)
	}
	c.setState(StateConnecting, nil)

	frames, nativeRate, err := c.source.Open()
	if err != nil {
		c.log.WithError(err).Warn("capture device unavailable")
		c.abortStart()
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}
	if err := c.output.Start(); err != nil {
		c.log.WithError(err).Warn("output device unavailable")
		c.abortStart()
		return fmt.Errorf("%w: %v", ErrPermission, err)
	}

	procCfg := c.opts.Processor
	procCfg.NativeRate = nativeRate
	if procCfg.TargetRate <= 0 {
		procCfg.TargetRate = c.opts.Connector.InputRate
	}
	proc := audio.NewProcessor(procCfg)
	conn := connector.New(c.transport,
		connector.WithLogger(c.log.WithField("component", "connector")),
		connector.WithClock(c.now),
	)

	setupCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.conn = conn
	c.cancelSetup = cancel
	ending := c.tearingDown.Load()
	c.mu.Unlock()
	if ending {
		return c.endDuringSetup(conn)
	}

	dialStart := c.now()
	if err := conn.Connect(setupCtx, c.opts.Connector); err != nil {
		switch {
		case c.tearingDown.Load():
			return c.endDuringSetup(conn)
		case ctx.Err() != nil:
			c.log.WithError(err).Info("session setup abandoned")
			c.abortStart()
			return err
		}
		c.metrics.ObserveTransportError("live", reliability.Code(err))
		c.log.WithError(err).Error("session connect failed")
		_ = c.Cleanup()
		c.setState(StateError, err)
		c.closeSubscribers(c.snapshotNotification())
		return err
	}

	cfg := conn.Config()
	c.proc = proc
	c.machine = turns.NewMachine(c.opts.Turns)
	c.agg = analytics.NewAggregator(c.opts.Turns.MaxLatency)
	c.builder = argument.NewBuilder(c.opts.Classifier)
	c.liveAt = c.now()

	c.mu.Lock()
	c.cancelSetup = nil
	if c.tearingDown.Load() {
		c.mu.Unlock()
		return c.endDuringSetup(conn)
	}
	c.sched = playback.NewScheduler(c.output, c.output, cfg.OutputRate)
	c.recorder = audio.NewRecorder(c.opts.RecordPath, proc.Config().TargetRate)
	c.running = true
	c.snap.StartedAt = c.liveAt
	c.mu.Unlock()

	c.metrics.ObserveConnectLatency(c.liveAt.Sub(dialStart))
	c.metrics.SessionStarted()
	c.setState(StateLive, nil)
	c.log.WithFields(logrus.Fields{
		"native_rate": nativeRate,
		"input_rate":  cfg.InputRate,
		"output_rate": cfg.OutputRate,
	}).Info("session live")

	go c.run(frames, conn.Events())
	return nil
}

// endDuringSetup finishes a session whose End arrived before it went live.
// Cleanup may have run before the devices or connector were opened, so they
// are closed again here.
func (c *Controller) endDuringSetup(conn *connector.Connector) error {
	if conn != nil {
		_ = conn.Close()
	}
	_ = c.source.Close()
	_ = c.output.Close()
	c.log.Info("session ended during setup")
	c.setState(StateEnded, nil)
	c.closeSubscribers(c.snapshotNotification())
	return ErrEndedDuringSetup
}

// abortStart releases devices and returns the controller to Idle so Start
// can be tried again.
func (c *Controller) abortStart() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.started = false
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	_ = c.source.Close()
	_ = c.output.Close()
	c.setState(StateIdle, nil)
}

// End stops a live session and waits for its event loop to exit. It is safe
// to call more than once and on a session that never started.
func (c *Controller) End() error {
	c.endOnce.Do(func() { close(c.endCh) })
	c.mu.RLock()
	running := c.running
	c.mu.RUnlock()
	if running {
		<-c.loopDone
		return c.cleanupErr
	}
	return c.Cleanup()
}

// Done is closed after the OnFinal callbacks of a live session have run.
func (c *Controller) Done() <-chan struct{} { return c.finalDone }

// Cleanup releases every resource the session holds. It is idempotent and
// never panics; errors from individual resources are joined.
func (c *Controller) Cleanup() error {
	c.cleanupOnce.Do(func() {
		c.tearingDown.Store(true)
		c.mu.RLock()
		conn, sched, recorder, cancelSetup := c.conn, c.sched, c.recorder, c.cancelSetup
		c.mu.RUnlock()

		if cancelSetup != nil {
			cancelSetup()
		}
		var errs []error
		if sched != nil {
			sched.Close()
		}
		if conn != nil {
			if err := conn.Close(); err != nil && !reliability.IsCleanClose(err) {
				errs = append(errs, fmt.Errorf("close connector: %w", err))
			}
		}
		if err := c.source.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close capture: %w", err))
		}
		if err := c.output.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
		if recorder != nil {
			if err := recorder.Close(); err != nil {
				errs = append(errs, fmt.Errorf("write capture dump: %w", err))
			}
		}
		c.cleanupErr = errors.Join(errs...)
		if c.cleanupErr != nil {
			c.log.WithError(c.cleanupErr).Warn("session cleanup incomplete")
		}
	})
	return c.cleanupErr
}

func (c *Controller) run(frames <-chan audio.Frame, events <-chan protocol.ServerEvent) {
	defer c.deliverFinal()
	defer close(c.loopDone)
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.endCh:
			c.finish(StateEnded, OutcomeEndedByUser, nil)
			return
		case frame, ok := <-frames:
			if !ok {
				if c.tearingDown.Load() {
					c.finish(StateEnded, OutcomeEndedByUser, nil)
				} else {
					c.finish(StateError, OutcomeError, ErrCaptureEnded)
				}
				return
			}
			c.onFrame(frame)
		case ev, ok := <-events:
			if !ok {
				c.finish(StateEnded, OutcomeServerClose, nil)
				return
			}
			if c.onServerEvent(ev) {
				return
			}
		case <-ticker.C:
			if c.onTick() {
				return
			}
		}
	}
}

func (c *Controller) onFrame(frame audio.Frame) {
	res := c.proc.Process(frame)
	c.recorder.Write(res.PCM)
	if err := c.conn.SendAudio(res.PCM); err != nil {
		c.log.WithError(err).Debug("send audio failed")
	}
	c.mu.Lock()
	c.snap.Level = res.Level
	c.snap.Speaking = res.Speaking
	c.snap.Calibration = c.proc.Calibration()
	c.mu.Unlock()
}

// onServerEvent reports true when the session finished.
func (c *Controller) onServerEvent(ev protocol.ServerEvent) bool {
	at := ev.At(c.now())
	c.metrics.ObserveSessionEvent(string(ev.Kind))

	switch ev.Kind {
	case protocol.KindAudioChunk:
		if _, err := c.sched.Enqueue(ev.AudioBase64); err != nil {
			if errors.Is(err, playback.ErrDecode) {
				c.metrics.ObserveDecodeError()
				c.log.WithError(err).WithField("category", reliability.Classify(err)).Warn("skipping undecodable audio segment")
			}
			break
		}
		c.lastActivity = c.now()
		if !c.firstAudio {
			c.firstAudio = true
			c.metrics.ObserveFirstAssistantAudio(c.now().Sub(c.liveAt))
		}
		if !c.machine.State().AssistantSpeaking {
			c.machine.Apply(turns.AssistantSpeakingEvent{Speaking: true, At: at})
		}
	case protocol.KindInputTranscription:
		c.applyEffects(c.machine.Apply(turns.DeltaEvent{Delta: turns.Delta{Speaker: turns.SpeakerUser, Text: ev.Text, At: at}}))
	case protocol.KindOutputTranscription:
		c.applyEffects(c.machine.Apply(turns.DeltaEvent{Delta: turns.Delta{Speaker: turns.SpeakerAssistant, Text: ev.Text, At: at}}))
	case protocol.KindTurnComplete:
		c.applyEffects(c.machine.Apply(turns.TurnCompleteEvent{At: at}))
	case protocol.KindInterrupted:
		if c.sched.Stop() {
			c.machine.Apply(turns.AssistantSpeakingEvent{Speaking: false, At: at})
			c.agg.SetAssistantSpeaking(c.sched.TotalSpeaking())
		}
	case protocol.KindClosed:
		c.finish(StateEnded, OutcomeServerClose, nil)
		return true
	case protocol.KindError:
		err := ev.Err
		if err == nil {
			err = errors.New(ev.Detail)
		}
		c.finish(StateError, OutcomeError, err)
		return true
	}

	if c.readyToEnd() {
		c.finish(StateEnded, OutcomeCompleted, nil)
		return true
	}
	c.publish()
	return false
}

func (c *Controller) onTick() bool {
	changed := false
	if c.sched.Advance() {
		c.machine.Apply(turns.AssistantSpeakingEvent{Speaking: false, At: c.now()})
		c.agg.SetAssistantSpeaking(c.sched.TotalSpeaking())
		changed = true
	}
	if c.readyToEnd() {
		c.finish(StateEnded, OutcomeCompleted, nil)
		return true
	}
	if changed {
		c.publish()
	}
	return false
}

// readyToEnd holds a requested end until in-flight assistant audio has
// played out and no new audio arrived for EndGrace.
func (c *Controller) readyToEnd() bool {
	if !c.endPending || c.sched.Speaking() {
		return false
	}
	return c.now().Sub(c.lastActivity) >= c.opts.EndGrace
}

func (c *Controller) applyEffects(effects []turns.Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case turns.CommitEffect:
			c.onCommit(e)
		case turns.BargeInEffect:
			c.metrics.ObserveBargeIn()
			c.log.WithField("interpretation", e.Event.InterpretationType).Info("barge-in")
			c.notify(Notification{Type: protocol.TypeBargeIn, Payload: protocol.BargeIn{
				Type:               protocol.TypeBargeIn,
				SessionID:          c.id,
				InterruptedContent: e.Event.InterruptedContent,
				StudentUtterance:   e.Event.StudentUtterance,
				InterpretationType: e.Event.InterpretationType,
				TSMs:               e.Event.Timestamp.UnixMilli(),
			}})
		case turns.EndRequestedEffect:
			c.endPending = true
			c.lastActivity = c.now()
			c.log.Info("end of session requested")
		}
	}
}

func (c *Controller) onCommit(e turns.CommitEffect) {
	t := e.Turn
	if e.LatencyDropped {
		c.agg.DropLatency()
		c.metrics.ObserveDroppedLatency()
	}
	c.agg.Observe(t)

	msg := protocol.TurnCommitted{
		Type:      protocol.TypeTurnCommitted,
		SessionID: c.id,
		Speaker:   string(t.Speaker),
		Text:      t.Text,
		IsBargeIn: t.IsBargeIn,
		TSMs:      t.Timestamp.UnixMilli(),
	}
	switch t.Speaker {
	case turns.SpeakerUser:
		c.builder.AddUserTurn(t.Text, t.Timestamp)
		if t.Latency != nil {
			c.metrics.ObserveUserLatency(*t.Latency)
			ms := t.Latency.Milliseconds()
			msg.LatencyMs = &ms
		}
	case turns.SpeakerAssistant:
		c.builder.AddAssistantTurn(t.Text, t.Timestamp)
	}
	c.notify(Notification{Type: protocol.TypeTurnCommitted, Payload: msg})
}

func (c *Controller) publish() {
	st := c.machine.State()
	c.mu.Lock()
	c.fillLocked(st)
	snap := c.snap.clone()
	c.mu.Unlock()
	c.notify(Notification{Type: protocol.TypeSessionSnapshot, Payload: snap})
}

func (c *Controller) fillLocked(st turns.State) {
	c.snap.Turns = c.machine.History()
	c.snap.BargeIns = c.machine.BargeIns()
	c.snap.Partial = Partial{
		User:      c.machine.Preview(turns.SpeakerUser),
		Assistant: c.machine.Preview(turns.SpeakerAssistant),
	}
	c.snap.Latency = c.agg.Latency()
	c.snap.Dialogue = c.agg.Dialogue()
	c.snap.Graph = c.builder.Graph()
	c.snap.AssistantSpeaking = st.AssistantSpeaking
	c.snap.DroppedLatencies = c.agg.Dropped()
}

// finish commits buffered text, tears the session down and delivers the
// final history exactly once.
func (c *Controller) finish(state State, outcome string, cause error) {
	now := c.now()
	c.applyEffects(c.machine.Apply(turns.TurnCompleteEvent{At: now}))
	c.sched.Advance()

	_ = c.Cleanup()
	c.machine.Apply(turns.AssistantSpeakingEvent{Speaking: false, At: now})
	c.agg.SetAssistantSpeaking(c.sched.TotalSpeaking())

	detail := ""
	category := reliability.Classify(cause)
	source := "live"
	if category == reliability.CategoryCapture {
		source = "capture"
	}
	if cause != nil {
		detail = cause.Error()
		if category == reliability.CategoryTransport {
			c.metrics.ObserveTransportError(source, reliability.Code(cause))
		}
		c.log.WithError(cause).WithFields(logrus.Fields{
			"code":     reliability.Code(cause),
			"category": category,
		}).Error("session failed")
	}

	st := c.machine.State()
	c.mu.Lock()
	c.fillLocked(st)
	c.snap.State = state
	c.snap.Error = detail
	c.snap.ErrorCategory = category
	c.snap.EndedAt = now
	c.snap.Speaking = false
	c.snap.Level = 0
	final := Final{
		ID:        uuid.NewString(),
		SessionID: c.id,
		Outcome:   outcome,
		StartedAt: c.snap.StartedAt,
		EndedAt:   now,
		Turns:     c.snap.Turns,
		BargeIns:  c.snap.BargeIns,
		Latency:   c.snap.Latency,
		Dialogue:  c.snap.Dialogue,
		Graph:     c.snap.Graph,
	}
	c.final = &final
	snap := c.snap.clone()
	c.mu.Unlock()

	c.metrics.SessionEnded(observability.SessionSummary{
		Outcome:      outcome,
		Turns:        len(final.Turns),
		BargeIns:     len(final.BargeIns),
		AvgLatencyMS: float64(final.Latency.AvgInitialLatency),
		Coherence:    final.Graph.CoherenceScore,
	})
	c.log.WithFields(logrus.Fields{
		"outcome":   outcome,
		"turns":     len(final.Turns),
		"barge_ins": len(final.BargeIns),
		"coherence": final.Graph.CoherenceScore,
	}).Info("session finished")

	c.notify(Notification{Type: protocol.TypeSystemEvent, Payload: protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: c.id,
		Code:      "state_" + string(state),
		Detail:    detail,
	}})
	if cause != nil {
		c.notify(Notification{Type: protocol.TypeErrorEvent, Payload: protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: c.id,
			Code:      reliability.Code(cause),
			Category:  string(category),
			Source:    source,
			Retryable: reliability.Retryable(cause),
			Detail:    detail,
		}})
	}
	c.closeSubscribers(Notification{Type: protocol.TypeSessionSnapshot, Payload: snap})
}

// deliverFinal runs after the loop has exited so callbacks may call End.
func (c *Controller) deliverFinal() {
	defer close(c.finalDone)
	c.mu.Lock()
	callbacks := c.finals
	c.finals = nil
	var final Final
	if c.final != nil {
		final = *c.final
	}
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn(final)
	}
}
