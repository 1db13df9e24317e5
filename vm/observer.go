package vm

// Event describes one instruction as seen by an Observer.
type Event struct {
	Seq   uint64 // number of instructions executed before this one
	PC    int
	Word  uint32
	Op    Opcode
	Depth int // active frames when the instruction started
}

// Observer receives a callback before and after every instruction. It is
// purely informational: nothing an observer does feeds back into execution.
// err is the fault raised by the instruction, or nil.
type Observer interface {
	BeforeInstruction(ev Event)
	AfterInstruction(ev Event, err error)
}

// ObserverFuncs adapts optional functions to Observer.
type ObserverFuncs struct {
	Before func(Event)
	After  func(Event, error)
}

func (o ObserverFuncs) BeforeInstruction(ev Event) {
	if o.Before != nil {
		o.Before(ev)
	}
}

func (o ObserverFuncs) AfterInstruction(ev Event, err error) {
	if o.After != nil {
		o.After(ev, err)
	}
}

type observers []Observer

func (os observers) BeforeInstruction(ev Event) {
	for _, o := range os {
		o.BeforeInstruction(ev)
	}
}

func (os observers) AfterInstruction(ev Event, err error) {
	for _, o := range os {
		o.AfterInstruction(ev, err)
	}
}
