package peripheral

// WriteEvent is emitted when a central writes a characteristic.
type WriteEvent struct {
	ID                 int
	Device             string
	ServiceUUID        string
	CharacteristicUUID string
	Offset             int
	Value              []byte
}

// SubscriptionEvent is emitted when a central enables or disables
// notifications on a characteristic.
type SubscriptionEvent struct {
	ID                 int
	Device             string
	ServiceUUID        string
	CharacteristicUUID string
}

// Listener receives outbound events. Methods are called without any
// Manager lock held and may call back into the Manager.
type Listener interface {
	OnWrite(WriteEvent)
	OnSubscribe(SubscriptionEvent)
	OnUnsubscribe(SubscriptionEvent)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Write       func(WriteEvent)
	Subscribe   func(SubscriptionEvent)
	Unsubscribe func(SubscriptionEvent)
}

func (f ListenerFuncs) OnWrite(e WriteEvent) {
	if f.Write != nil {
		f.Write(e)
	}
}

func (f ListenerFuncs) OnSubscribe(e SubscriptionEvent) {
	if f.Subscribe != nil {
		f.Subscribe(e)
	}
}

func (f ListenerFuncs) OnUnsubscribe(e SubscriptionEvent) {
	if f.Unsubscribe != nil {
		f.Unsubscribe(e)
	}
}

// event is a deferred Listener call, dispatched after locks are released.
type event func(Listener)

func writeEvent(e WriteEvent) event {
	return func(l Listener) { l.OnWrite(e) }
}

func subscribeEvent(e SubscriptionEvent) event {
	return func(l Listener) { l.OnSubscribe(e) }
}

func unsubscribeEvent(e SubscriptionEvent) event {
	return func(l Listener) { l.OnUnsubscribe(e) }
}
