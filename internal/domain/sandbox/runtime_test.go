package sandbox

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/manifest"
	"github.com/GriffinCanCode/AgentOS/pluginruntime/internal/domain/protocol"
)

const waitFor = 2 * time.Second

func startSession(t *testing.T, mode manifest.Mode, source string) *GojaSession {
	t.Helper()
	cfg := DefaultConfig()
	cfg.JobBudget = 200 * time.Millisecond

	s, err := NewGojaFactory(cfg, nil, nil).StartSource(context.Background(), Spec{PluginID: "test", Mode: mode}, source)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func subscribe(s *GojaSession) <-chan protocol.Message {
	ch := make(chan protocol.Message, 64)
	s.OnMessage(func(m protocol.Message) { ch <- m })
	return ch
}

func next(t *testing.T, ch <-chan protocol.Message) protocol.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for sandbox message")
		return protocol.Message{}
	}
}

// nextOf skips messages of other kinds (e.g. console telemetry)
func nextOf(t *testing.T, ch <-chan protocol.Message, kind protocol.Kind) protocol.Message {
	t.Helper()
	for {
		if m := next(t, ch); m.Type == kind {
			return m
		}
	}
}

func call(t *testing.T, s *GojaSession, ch <-chan protocol.Message, reqID, method string, args any) protocol.Message {
	t.Helper()
	require.NoError(t, s.Send(protocol.NewRequest(s.Token(), reqID, method, args)))
	m := nextOf(t, ch, protocol.KindResponse)
	require.Equal(t, reqID, m.RequestID)
	return m
}

const counterBundle = `
plugin.register('sum', function (args) { return args.a + args.b; });
plugin.register('echo', function (args) { return args; });
plugin.register('later', function (args) {
  return new Promise(function (resolve) {
    setTimeout(function (factor) { resolve(args.v * factor); }, 5, 2);
  });
});
plugin.register('fail', function () { throw new Error('bad input'); });
plugin.register('deny', function () { var e = new Error('nope'); e.code = 'invalid_argument'; throw e; });
`

func TestHandshake(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, counterBundle)
	ch := subscribe(s)

	require.NoError(t, s.Send(protocol.NewProbe(s.Token(), []string{"graph:getNodes"}, protocol.PluginInfo{ID: "test", Version: "1.0.0"})))

	hs := next(t, ch)
	assert.Equal(t, protocol.KindHandshake, hs.Type)
	assert.Equal(t, s.Token(), hs.Token)
	assert.Equal(t, []string{"deny", "echo", "fail", "later", "sum"}, hs.Methods)
	assert.Equal(t, []string{"graph:getNodes"}, hs.Capabilities)
}

func TestRequestResponse(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, counterBundle)
	ch := subscribe(s)

	res := call(t, s, ch, "r1", "sum", map[string]any{"a": 2, "b": 3})
	assert.True(t, res.OK)
	assert.Equal(t, 5.0, res.Result)

	res = call(t, s, ch, "r2", "later", map[string]any{"v": 21})
	assert.True(t, res.OK)
	assert.Equal(t, 42.0, res.Result)

	res = call(t, s, ch, "r3", "echo", nil)
	assert.True(t, res.OK)
	assert.Nil(t, res.Result)
}

func TestRequestFailures(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, counterBundle)
	ch := subscribe(s)

	res := call(t, s, ch, "r1", "fail", nil)
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Failure(), protocol.ErrPluginFailure)
	assert.Contains(t, res.Failure().Message, "bad input")

	res = call(t, s, ch, "r2", "deny", nil)
	assert.ErrorIs(t, res.Failure(), protocol.ErrInvalidArgument)

	res = call(t, s, ch, "r3", "missing", nil)
	assert.ErrorIs(t, res.Failure(), protocol.ErrMethodUnavailable)
}

func TestUncloneableResultIsSerializationError(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, `
plugin.register('withFunction', function () { return { n: 1, f: function () {} }; });
plugin.register('nested', function () { return [1, { deep: { cb: Math.max } }]; });
plugin.register('notFinite', function () { return { v: 1 / 0 }; });
plugin.register('plain', function () { return { n: 1, skipped: undefined }; });
`)
	ch := subscribe(s)

	for i, method := range []string{"withFunction", "nested", "notFinite"} {
		res := call(t, s, ch, fmt.Sprintf("r%d", i), method, nil)
		assert.False(t, res.OK, method)
		assert.ErrorIs(t, res.Failure(), protocol.ErrSerialization, method)
	}

	res := call(t, s, ch, "r9", "plain", nil)
	require.True(t, res.OK)
	assert.Equal(t, map[string]any{"n": 1.0}, res.Result)
}

func TestUncloneableHostCallArgsReject(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, `
plugin.register('leak', function () {
  return plugin.call('graph:getNodes', { cb: function () {} })
    .then(function () { return 'sent'; }, function (e) { return e.name; });
});
`)
	ch := subscribe(s)

	res := call(t, s, ch, "r1", "leak", nil)
	require.True(t, res.OK)
	assert.Equal(t, "TypeError", res.Result)
}

func TestForgedTokenIgnored(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, counterBundle)
	ch := subscribe(s)

	require.NoError(t, s.Send(protocol.NewRequest("forged", "r1", "sum", map[string]any{"a": 1, "b": 1})))
	res := call(t, s, ch, "r2", "sum", map[string]any{"a": 1, "b": 2})
	assert.Equal(t, 3.0, res.Result, "the forged request must not have produced a response first")
}

func TestHostCallRoundTrip(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, `
plugin.register('countNodes', function () {
  return plugin.call('graph:getNodes', {}).then(function (nodes) { return nodes.length; });
});
plugin.register('tryWrite', function () {
  return plugin.call('graph:updateNode', { id: 'n1' }).catch(function (e) { return e.code; });
});
`)
	ch := subscribe(s)

	require.NoError(t, s.Send(protocol.NewRequest(s.Token(), "r1", "countNodes", nil)))
	hostReq := nextOf(t, ch, protocol.KindHostRequest)
	assert.Equal(t, "graph:getNodes", hostReq.Method)
	assert.Equal(t, map[string]any{}, hostReq.Args)
	require.NoError(t, s.Send(protocol.NewResult(protocol.KindHostResponse, s.Token(), hostReq.RequestID, []any{"a", "b", "c"})))

	res := nextOf(t, ch, protocol.KindResponse)
	assert.Equal(t, "r1", res.RequestID)
	assert.Equal(t, 3.0, res.Result)

	require.NoError(t, s.Send(protocol.NewRequest(s.Token(), "r2", "tryWrite", nil)))
	hostReq = nextOf(t, ch, protocol.KindHostRequest)
	require.NoError(t, s.Send(protocol.NewFailure(protocol.KindHostResponse, s.Token(), hostReq.RequestID, protocol.ErrPermissionDenied)))

	res = nextOf(t, ch, protocol.KindResponse)
	assert.Equal(t, "permission_denied", res.Result)
}

func TestConsoleBufferedUntilSubscribed(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, `console.warn('loaded', 1, { ok: true });`)
	ch := subscribe(s)

	m := next(t, ch)
	assert.Equal(t, protocol.KindTelemetry, m.Type)
	assert.Equal(t, protocol.LevelWarn, m.Level)
	assert.Equal(t, "console", m.Event)
	assert.Equal(t, `loaded 1 {"ok":true}`, m.Detail)
}

func TestTelemetryAndAnnounce(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, `
plugin.register('extend', function () {
  plugin.register('extra', function () { return 'x'; });
  plugin.announce();
  plugin.emit('info', 'extended', { count: plugin.methods().length });
  return true;
});
`)
	ch := subscribe(s)

	require.NoError(t, s.Send(protocol.NewProbe(s.Token(), nil, protocol.PluginInfo{ID: "test"})))
	assert.Equal(t, []string{"extend"}, nextOf(t, ch, protocol.KindHandshake).Methods)

	require.NoError(t, s.Send(protocol.NewRequest(s.Token(), "r1", "extend", nil)))
	refresh := nextOf(t, ch, protocol.KindHandshake)
	assert.Equal(t, []string{"extend", "extra"}, refresh.Methods)

	tel := nextOf(t, ch, protocol.KindTelemetry)
	assert.Equal(t, "extended", tel.Event)
	assert.Equal(t, map[string]any{"count": 2.0}, tel.Detail)
}

func TestGlobalsByMode(t *testing.T) {
	probe := `plugin.register('globals', function () {
  return [typeof require, typeof process, typeof self, typeof document, typeof window, typeof setInterval];
});`

	worker := startSession(t, manifest.ModeWorker, probe)
	res := call(t, worker, subscribe(worker), "r1", "globals", nil)
	assert.Equal(t, []any{"undefined", "undefined", "object", "undefined", "undefined", "undefined"}, res.Result)

	doc := startSession(t, manifest.ModeDocument, probe)
	res = call(t, doc, subscribe(doc), "r1", "globals", nil)
	assert.Equal(t, []any{"undefined", "undefined", "undefined", "object", "object", "undefined"}, res.Result)
}

func TestDocumentProxy(t *testing.T) {
	s := startSession(t, manifest.ModeDocument, `
var el = document.createElement('div');
el.id = 'root';
el.className = 'panel wide';
el.textContent = 'hello';
el.setAttribute('data-x', '1');
document.body.appendChild(el);

plugin.register('inspect', function () {
  var found = document.getElementById('root');
  return {
    text: found.textContent,
    tag: found.tagName,
    attr: found.getAttribute('data-x'),
    byClass: document.querySelectorAll('.wide').length,
    missing: document.querySelector('#nope')
  };
});
`)
	res := call(t, s, subscribe(s), "r1", "inspect", nil)
	require.True(t, res.OK, res.Error)
	assert.Equal(t, map[string]any{
		"text":    "hello",
		"tag":     "DIV",
		"attr":    "1",
		"byClass": 1.0,
		"missing": nil,
	}, res.Result)
}

func TestBudgetExceededCrashes(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, `plugin.register('spin', function () { for (;;) {} });`)
	ch := subscribe(s)

	require.NoError(t, s.Send(protocol.NewRequest(s.Token(), "r1", "spin", nil)))

	crash := nextOf(t, ch, protocol.KindCrash)
	assert.Equal(t, s.Token(), crash.Token)
	assert.Contains(t, crash.Detail, "cpu budget exceeded")

	select {
	case <-s.Done():
	case <-time.After(waitFor):
		t.Fatal("session should be closed after a crash")
	}
	assert.ErrorIs(t, s.Send(protocol.NewRequest(s.Token(), "r2", "spin", nil)), ErrSessionClosed)
}

func TestUncaughtTimerExceptionIsTelemetry(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, `
setTimeout(function () { throw new Error('late failure'); }, 1);
plugin.register('alive', function () { return true; });
`)
	ch := subscribe(s)

	tel := nextOf(t, ch, protocol.KindTelemetry)
	assert.Equal(t, "uncaught_exception", tel.Event)
	assert.Equal(t, protocol.LevelError, tel.Level)

	res := call(t, s, ch, "r1", "alive", nil)
	assert.Equal(t, true, res.Result)
}

func TestClearTimeout(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, `
var fired = false;
var id = setTimeout(function () { fired = true; }, 1);
clearTimeout(id);
plugin.register('fired', function () {
  return new Promise(function (resolve) { setTimeout(function () { resolve(fired); }, 20); });
});
`)
	res := call(t, s, subscribe(s), "r1", "fired", nil)
	assert.Equal(t, false, res.Result)
}

func TestStartFailures(t *testing.T) {
	factory := NewGojaFactory(DefaultConfig(), nil, nil)
	ctx := context.Background()

	_, err := factory.StartSource(ctx, Spec{PluginID: "p"}, `throw new Error('broken bundle');`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken bundle")

	_, err = factory.StartSource(ctx, Spec{PluginID: "p"}, `this is not javascript`)
	assert.Error(t, err)

	_, err = factory.StartSource(ctx, Spec{PluginID: "p", Mode: "iframe"}, `1`)
	assert.Error(t, err)

	_, err = factory.Start(ctx, Spec{PluginID: "p", Location: "x.js"})
	assert.Error(t, err, "no loader configured")

	cfg := DefaultConfig()
	cfg.JobBudget = 50 * time.Millisecond
	_, err = NewGojaFactory(cfg, nil, nil).StartSource(ctx, Spec{PluginID: "p"}, `for (;;) {}`)
	assert.Error(t, err)
}

func TestTokensAreUniquePerSession(t *testing.T) {
	a := startSession(t, manifest.ModeWorker, `1`)
	b := startSession(t, manifest.ModeWorker, `1`)
	assert.NotEqual(t, a.Token(), b.Token())
	assert.NotEmpty(t, a.Token())
}

func TestUnsubscribeAndClose(t *testing.T) {
	s := startSession(t, manifest.ModeWorker, counterBundle)
	ch := make(chan protocol.Message, 8)
	unsubscribe := s.OnMessage(func(m protocol.Message) { ch <- m })

	call(t, s, ch, "r1", "sum", map[string]any{"a": 1, "b": 1})
	unsubscribe()

	require.NoError(t, s.Send(protocol.NewRequest(s.Token(), "r2", "sum", map[string]any{"a": 1, "b": 1})))
	select {
	case m := <-ch:
		t.Fatalf("unexpected delivery after unsubscribe: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send(protocol.NewProbe(s.Token(), nil, protocol.PluginInfo{ID: "test"})), ErrSessionClosed)
}
