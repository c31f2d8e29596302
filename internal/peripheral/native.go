package peripheral

import "fmt"

// RadioState is the host radio power state as reported by the native stack.
type RadioState int

const (
	RadioUnknown RadioState = iota
	RadioResetting
	RadioUnsupported
	RadioUnauthorized
	RadioPoweredOff
	RadioPoweredOn
	RadioTurningOn
	RadioTurningOff
)

var radioStateNames = []string{
	RadioUnknown:      "unknown",
	RadioResetting:    "resetting",
	RadioUnsupported:  "unsupported",
	RadioUnauthorized: "unauthorized",
	RadioPoweredOff:   "off",
	RadioPoweredOn:    "on",
	RadioTurningOn:    "turning_on",
	RadioTurningOff:   "turning_off",
}

func (s RadioState) String() string {
	if int(s) >= 0 && int(s) < len(radioStateNames) {
		return radioStateNames[s]
	}
	return fmt.Sprintf("RadioState(%d)", int(s))
}

// ParseRadioState accepts the names produced by String.
func ParseRadioState(name string) (RadioState, error) {
	for i, n := range radioStateNames {
		if n == name {
			return RadioState(i), nil
		}
	}
	return RadioUnknown, fmt.Errorf("peripheral: unknown radio state %q", name)
}

// terminal reports whether a pending creation should give up on this state.
func (s RadioState) terminal() bool {
	switch s {
	case RadioPoweredOff, RadioResetting, RadioUnauthorized, RadioUnsupported:
		return true
	}
	return false
}

// Status is the ATT status returned to a central for a read or write.
type Status int

const (
	StatusSuccess             Status = 0x00
	StatusReadNotPermitted    Status = 0x02
	StatusWriteNotPermitted   Status = 0x03
	StatusRequestNotSupported Status = 0x06
	StatusInvalidOffset       Status = 0x07
	StatusFailure             Status = 0x101
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusReadNotPermitted:
		return "read not permitted"
	case StatusWriteNotPermitted:
		return "write not permitted"
	case StatusRequestNotSupported:
		return "request not supported"
	case StatusInvalidOffset:
		return "invalid offset"
	default:
		return fmt.Sprintf("failure (0x%x)", int(s))
	}
}

// Advertise outcome codes delivered to Bridge.OnAdvertiseStarted.
const (
	AdvertiseSuccess            = 0
	AdvertiseDataTooLarge       = 1
	AdvertiseTooManyAdvertisers = 2
	AdvertiseAlreadyStarted     = 3
	AdvertiseInternalError      = 4
	AdvertiseFeatureUnsupported = 5
)

// Capabilities describes how a native advertiser behaves.
type Capabilities struct {
	// AsyncStop means StopAdvertising completes via Bridge.OnAdvertiseStopped.
	AsyncStop bool
	// NativeSubscriptions means the stack owns the CCCD and reports
	// membership through Bridge.OnSubscribe / OnUnsubscribe.
	NativeSubscriptions bool
	// CoalescedNotify means Notify fans out internally and ignores devices.
	CoalescedNotify bool
	// EagerServices means services are registered as soon as they are defined.
	EagerServices bool
}

// NotifyResult reports per-device delivery of one notification.
type NotifyResult struct {
	Delivered []string
	Failed    map[string]error
}

// AddFailure records a failed delivery to device.
func (r *NotifyResult) AddFailure(device string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]error)
	}
	r.Failed[device] = err
}

// Stack is a native BLE stack able to host peripherals.
type Stack interface {
	// Open acquires an advertiser / GATT server pair for id. Callbacks for
	// id are delivered to b, possibly before Open returns.
	Open(id int, b Bridge) (Advertiser, error)
	// SetDeviceName changes the process-wide advertised name. Stacks without
	// naming support return errors.ErrUnsupported.
	SetDeviceName(name string) error
}

// Advertiser is one native advertiser plus its GATT server.
type Advertiser interface {
	Capabilities() Capabilities
	RadioState() RadioState
	// SetServices replaces the registered GATT database.
	SetServices(services []ServiceDefinition) error
	// SetValue updates a stored value for stacks that serve reads themselves.
	SetValue(ref CharRef, value []byte) error
	// StartAdvertising begins advertising; the outcome arrives through
	// Bridge.OnAdvertiseStarted.
	StartAdvertising(p Payload) error
	StopAdvertising() error
	Notify(ref CharRef, value []byte, indicate bool, devices []string) (NotifyResult, error)
	Close() error
}

// Bridge receives native callbacks. Manager implements it.
type Bridge interface {
	OnRadioState(id int, state RadioState)
	OnAdvertiseStarted(id int, code int)
	OnAdvertiseStopped(id int, code int)
	OnCharRead(id int, device string, ref CharRef, offset int) ([]byte, Status)
	OnCharWrite(id int, device string, ref CharRef, offset int, value []byte, responseNeeded bool) Status
	OnDescriptorRead(id int, device string, ref CharRef, descriptor string) ([]byte, Status)
	OnDescriptorWrite(id int, device string, ref CharRef, descriptor string, value []byte) Status
	OnSubscribe(id int, device string, ref CharRef)
	OnUnsubscribe(id int, device string, ref CharRef)
	OnConnectionChange(id int, device string, connected bool)
}
