package orchestrator

import (
	"fmt"
	"strconv"

	"github.com/awalterschulze/gographviz"
)

// State is a node of the cycle state machine.
type State string

const (
	StatePlan     State = "PLAN"
	StateExecute  State = "EXECUTE"
	StateVerify   State = "VERIFY"
	StateRepair   State = "REPAIR"
	StateComplete State = "COMPLETE"
)

// Transition is an edge of the state machine.
type Transition struct {
	From, To State
	When     string
}

// Transitions lists every legal edge.
var Transitions = []Transition{
	{StatePlan, StateRepair, "workers missing"},
	{StatePlan, StateExecute, "catalog complete"},
	{StateRepair, StatePlan, "stand-ins synthesized"},
	{StateExecute, StateVerify, "groups joined"},
	{StateVerify, StateExecute, "RED, re-execution left"},
	{StateVerify, StateComplete, "GREEN or YELLOW"},
}

func legal(from, to State) bool {
	for _, t := range Transitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}

// Graph renders the state machine as DOT. The highlighted state, if any, is
// filled.
func Graph(highlight State) (string, error) {
	g := gographviz.NewGraph()
	if err := g.SetName("cycle"); err != nil {
		return "", err
	}
	if err := g.SetDir(true); err != nil {
		return "", err
	}
	if err := g.AddAttr("cycle", "rankdir", "LR"); err != nil {
		return "", err
	}

	for _, s := range []State{StatePlan, StateRepair, StateExecute, StateVerify, StateComplete} {
		attrs := map[string]string{"shape": "box"}
		if s == StateComplete {
			attrs["shape"] = "doublecircle"
		}
		if s == highlight {
			attrs["style"] = "filled"
			attrs["fillcolor"] = "lightblue"
		}
		if err := g.AddNode("cycle", string(s), attrs); err != nil {
			return "", fmt.Errorf("add node %s: %w", s, err)
		}
	}
	for _, t := range Transitions {
		attrs := map[string]string{"label": strconv.Quote(t.When)}
		if err := g.AddEdge(string(t.From), string(t.To), true, attrs); err != nil {
			return "", fmt.Errorf("add edge %s->%s: %w", t.From, t.To, err)
		}
	}
	return g.String(), nil
}
