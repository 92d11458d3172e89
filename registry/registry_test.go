package registry

import (
	"context"
	"errors"
	"testing"

	events "github.com/goliatone/go-events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Notifiable interface {
	Recipient() string
}

type UserRegistered struct {
	Email string
}

func (e UserRegistered) Recipient() string { return e.Email }

type InvoiceIssued struct {
	Number string
}

type OrderShipped struct {
	OrderID string
}

func (e OrderShipped) TargetID() string { return e.OrderID }

type mailer struct {
	sent []string
}

func (m *mailer) OnUserRegistered(_ context.Context, e UserRegistered) error {
	m.sent = append(m.sent, "welcome:"+e.Email)
	return nil
}

func (m *mailer) OnNotifiable(_ context.Context, e Notifiable) error {
	m.sent = append(m.sent, "notify:"+e.Recipient())
	return nil
}

type order struct {
	ID      string
	Shipped bool
}

func (o *order) OnShipped(_ context.Context, _ OrderShipped) error {
	o.Shipped = true
	return nil
}

type orderRepo map[string]*order

func (r orderRepo) FindByID(_ context.Context, id string) (*order, bool, error) {
	o, ok := r[id]
	return o, ok, nil
}

func invokeAll(t *testing.T, contexts []events.ExecutionContext) {
	t.Helper()
	for _, ec := range contexts {
		require.NoError(t, ec.Invoke(context.Background()))
	}
}

func TestDetectServiceHandlersInRegistrationOrder(t *testing.T) {
	reg := New(nil)
	svc := &mailer{}
	require.NoError(t, reg.Services().Register("mailer", svc))

	require.NoError(t, Subscribe(reg, "mailer", "OnUserRegistered", (*mailer).OnUserRegistered))
	require.NoError(t, Subscribe(reg, "mailer", "OnNotifiable", (*mailer).OnNotifiable))

	contexts, err := reg.Detect(UserRegistered{Email: "ana@example.com"})
	require.NoError(t, err)
	require.Len(t, contexts, 2)
	assert.Equal(t, "mailer", contexts[0].HandlerName())
	assert.Equal(t, "OnUserRegistered", contexts[0].MethodName())
	assert.Equal(t, "OnNotifiable", contexts[1].MethodName())

	invokeAll(t, contexts)
	assert.Equal(t, []string{"welcome:ana@example.com", "notify:ana@example.com"}, svc.sent)
}

func TestDetectIgnoresUnrelatedEvents(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Services().Register("mailer", &mailer{}))
	require.NoError(t, Subscribe(reg, "mailer", "OnUserRegistered", (*mailer).OnUserRegistered))

	contexts, err := reg.Detect(InvoiceIssued{Number: "INV-1"})
	require.NoError(t, err)
	assert.Empty(t, contexts)
}

func TestDetectAggregateTargetsOnlyTheIdentifiedInstance(t *testing.T) {
	reg := New(nil)
	repo := orderRepo{"o-1": {ID: "o-1"}, "o-2": {ID: "o-2"}}
	require.NoError(t, SubscribeAggregate(reg, "orders", events.Repository[*order](repo), "OnShipped", (*order).OnShipped))

	var serviceCalls int
	require.NoError(t, SubscribeFunc(reg, "audit", func(context.Context, any) error {
		serviceCalls++
		return nil
	}))

	contexts, err := reg.Detect(OrderShipped{OrderID: "o-2"})
	require.NoError(t, err)
	require.Len(t, contexts, 1)

	agg, ok := contexts[0].(*events.AggregateExecutionContext)
	require.True(t, ok)
	assert.Equal(t, "o-2", agg.TargetID)

	invokeAll(t, contexts)
	assert.True(t, repo["o-2"].Shipped)
	assert.False(t, repo["o-1"].Shipped)
	assert.Zero(t, serviceCalls, "service handlers never see aggregate events")
}

func TestAggregateNotFoundFailsFast(t *testing.T) {
	reg := New(nil)
	require.NoError(t, SubscribeAggregate(reg, "orders", events.Repository[*order](orderRepo{}), "OnShipped", (*order).OnShipped))

	contexts, err := reg.Detect(OrderShipped{OrderID: "missing"})
	require.NoError(t, err)
	require.Len(t, contexts, 1)

	err = contexts[0].Invoke(context.Background())
	require.Error(t, err)
	assert.True(t, events.HasCode(err, events.ErrCodeAggregateNotFound))
}

func TestUnresolvedServiceIsConfigurationError(t *testing.T) {
	reg := New(nil)
	require.NoError(t, Subscribe(reg, "mailer", "OnUserRegistered", (*mailer).OnUserRegistered))

	_, err := reg.Detect(UserRegistered{})
	require.Error(t, err)
	assert.True(t, events.IsConfigurationError(err))
	assert.True(t, events.HasCode(err, events.ErrCodeHandlerNotResolved))

	err = reg.Initialize()
	require.Error(t, err)
	assert.True(t, events.IsConfigurationError(err))
	assert.False(t, reg.Initialized())
}

func TestServiceWithWrongTypeIsNotResolved(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Services().Register("mailer", "not a mailer"))
	require.NoError(t, Subscribe(reg, "mailer", "OnUserRegistered", (*mailer).OnUserRegistered))

	_, err := reg.Detect(UserRegistered{})
	assert.True(t, events.HasCode(err, events.ErrCodeHandlerNotResolved))
}

func TestSubscribeRejectsInvalidRegistrations(t *testing.T) {
	reg := New(nil)

	err := Subscribe[*mailer, OrderShipped](reg, "mailer", "OnShipped", func(*mailer, context.Context, OrderShipped) error { return nil })
	assert.True(t, events.HasCode(err, events.ErrCodeInvalidHandlerRegistration))

	err = SubscribeFunc[UserRegistered](reg, "audit", nil)
	assert.True(t, events.HasCode(err, events.ErrCodeInvalidHandlerRegistration))

	err = SubscribeFunc(reg, " ", func(context.Context, UserRegistered) error { return nil })
	assert.True(t, events.HasCode(err, events.ErrCodeInvalidHandlerRegistration))

	require.NoError(t, Subscribe(reg, "mailer", "OnUserRegistered", (*mailer).OnUserRegistered))
	err = Subscribe(reg, "mailer", "OnUserRegistered", (*mailer).OnUserRegistered)
	assert.True(t, events.HasCode(err, events.ErrCodeInvalidHandlerRegistration))
}

func TestInitializeFreezesRegistry(t *testing.T) {
	reg := New(nil)
	require.NoError(t, reg.Services().Register("mailer", &mailer{}))
	require.NoError(t, Subscribe(reg, "mailer", "OnUserRegistered", (*mailer).OnUserRegistered))
	require.NoError(t, reg.Initialize())

	err := SubscribeFunc(reg, "late", func(context.Context, UserRegistered) error { return nil })
	assert.True(t, events.HasCode(err, events.ErrCodeRegistryAlreadyInitialized))

	infos := reg.Describe()
	require.Len(t, infos, 1)
	assert.Equal(t, KindService, infos[0].Kind)
	assert.Equal(t, "registry::user_registered", infos[0].EventType)
}

func TestDetectNilEvent(t *testing.T) {
	reg := New(nil)
	_, err := reg.Detect(nil)
	require.Error(t, err)

	var nilPtr *UserRegistered
	_, err = reg.Detect(nilPtr)
	require.Error(t, err)
}

func TestHandlerErrorsPropagateThroughInvoke(t *testing.T) {
	reg := New(nil)
	boom := errors.New("boom")
	require.NoError(t, SubscribeFunc(reg, "failing", func(context.Context, InvoiceIssued) error { return boom }))

	contexts, err := reg.Detect(InvoiceIssued{Number: "1"})
	require.NoError(t, err)
	require.Len(t, contexts, 1)
	assert.ErrorIs(t, contexts[0].Invoke(context.Background()), boom)
}

func TestServicesRejectDuplicates(t *testing.T) {
	services := NewServices()
	require.NoError(t, services.Register("b", &mailer{}))
	require.NoError(t, services.Register("a", &mailer{}))
	assert.Error(t, services.Register("a", &mailer{}))
	assert.Error(t, services.Register("c", nil))
	assert.Equal(t, []string{"a", "b"}, services.Names())
}
