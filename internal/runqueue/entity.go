package runqueue

type EntityKind int

const (
	TaskNode EntityKind = iota
	GroupNode
)

// Entity is a node of the fair-scheduling hierarchy. A GroupNode stands for
// a control group and points at the child entity it is currently running;
// a TaskNode is a leaf.
type Entity struct {
	Kind  EntityKind
	Task  *Task
	Group *Group
	Curr  *Entity
}

// LeafTask walks group entities down to the task actually running.
// It returns nil for a group with nothing running in it.
func LeafTask(e *Entity) *Task {
	for e != nil {
		switch e.Kind {
		case TaskNode:
			return e.Task
		case GroupNode:
			e = e.Curr
		default:
			return nil
		}
	}
	return nil
}

// entityFor builds the chain outermost group first, task last.
func entityFor(t *Task) *Entity {
	e := &Entity{Kind: TaskNode, Task: t}
	for g := t.Group; g != nil; g = g.Parent {
		e = &Entity{Kind: GroupNode, Group: g, Curr: e}
	}
	return e
}
