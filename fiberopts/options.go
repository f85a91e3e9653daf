// Package fiberopts carries the tagged-option pattern used for per-call
// configuration, extended with the scheduling runtime's own knobs:
// Threads, UseCaller, StackSize, Name, RunInScheduler, RecordMetrics, plus
// Nonblocking for fd setup.
package fiberopts

type OptionType uint8

const (
	TypeThreads OptionType = iota
	TypeUseCaller
	TypeStackSize
	TypeName
	TypeRunInScheduler
	TypeRecordMetrics
	TypeNonblocking
)

func (t OptionType) String() string {
	switch t {
	case TypeThreads:
		return "threads"
	case TypeUseCaller:
		return "use_caller"
	case TypeStackSize:
		return "stack_size"
	case TypeName:
		return "name"
	case TypeRunInScheduler:
		return "run_in_scheduler"
	case TypeRecordMetrics:
		return "record_metrics"
	case TypeNonblocking:
		return "nonblocking"
	default:
		return "option_unknown"
	}
}

type Option interface {
	Type() OptionType
	Value() interface{}
}

type option struct {
	t OptionType
	v interface{}
}

func (o *option) Type() OptionType  { return o.t }
func (o *option) Value() interface{} { return o.v }

// Threads sets the total number of dispatchers, including the caller thread
// when UseCaller is set. Must be >= 1.
func Threads(n int) Option { return &option{TypeThreads, n} }

// UseCaller, when true, makes the constructing goroutine participate as a
// worker via a dedicated root dispatch Fiber; Stop must then be called from
// that same goroutine.
func UseCaller(v bool) Option { return &option{TypeUseCaller, v} }

// StackSize is advisory in this port: Go goroutine stacks grow on demand
// and can't be preallocated into a fixed arena the way a ucontext stack
// can. No constructor in this module reads this option: NewScheduler and
// NewIOManager ignore it, and a Fiber's recorded size (Fiber.StackSize())
// comes from NewFiber's stackSize argument.
func StackSize(bytes uint32) Option { return &option{TypeStackSize, bytes} }

// Name tags a Scheduler/IOManager for diagnostics.
func Name(name string) Option { return &option{TypeName, name} }

// RunInScheduler marks whether a Fiber is a scheduled task fiber (true,
// the default) or a scheduler-owned dispatch fiber (false). No constructor
// in this module reads this option: NewFiber takes the flag as its
// runInScheduler argument.
func RunInScheduler(v bool) Option { return &option{TypeRunInScheduler, v} }

// RecordMetrics turns on the Scheduler's optional dispatch-latency
// histogram (see Scheduler.Metrics()).
func RecordMetrics(v bool) Option { return &option{TypeRecordMetrics, v} }

// Nonblocking names the O_NONBLOCK setting a registered fd needs. No code
// in this module reads this option: AddEvent does not change an fd's
// flags, so the caller sets O_NONBLOCK itself.
func Nonblocking(v bool) Option { return &option{TypeNonblocking, v} }

// Find returns the last option of type t in opts, if any.
func Find(opts []Option, t OptionType) (Option, bool) {
	for i := len(opts) - 1; i >= 0; i-- {
		if opts[i].Type() == t {
			return opts[i], true
		}
	}
	return nil, false
}
