package client

// SplitLink routes each operation to one of two link chains. Operations for
// which cond returns true go through trueLinks, all others through falseLinks.
// Both chains must end in a terminating link.
func SplitLink(cond func(op *Operation) bool, trueLinks, falseLinks []Link) Link {
	return func(rt Runtime) LinkFunc {
		yes := buildChain(rt, trueLinks)
		no := buildChain(rt, falseLinks)
		return func(op *Operation, next NextFunc, prev Callback) {
			if cond(op) {
				executeChain(yes, op, prev)
				return
			}
			executeChain(no, op, prev)
		}
	}
}
