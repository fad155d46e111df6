package delegation

import "github.com/okian/liquid/internal/domain/snapshot"

// cyclicMembers marks every member that belongs to a strongly connected
// component of more than one member. Iterative Tarjan; edges[i] lists the
// applicable out-edges of member i.
func cyclicMembers(edges [][]snapshot.Edge) []bool {
	n := len(edges)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	cyclic := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	type call struct{ v, next int }
	var (
		counter int
		stack   []int
		calls   []call
	)

	visit := func(v int) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true
		calls = append(calls, call{v: v})
	}

	for s := 0; s < n; s++ {
		if index[s] != -1 {
			continue
		}
		visit(s)
		for len(calls) > 0 {
			top := &calls[len(calls)-1]
			v := top.v
			if top.next < len(edges[v]) {
				w := edges[v][top.next].Followee
				top.next++
				if index[w] == -1 {
					visit(w)
				} else if onStack[w] && index[w] < low[v] {
					low[v] = index[w]
				}
				continue
			}

			calls = calls[:len(calls)-1]
			if len(calls) > 0 {
				u := calls[len(calls)-1].v
				if low[v] < low[u] {
					low[u] = low[v]
				}
			}
			if low[v] != index[v] {
				continue
			}
			size := 0
			for k := len(stack) - 1; ; k-- {
				size++
				if stack[k] == v {
					break
				}
			}
			component := stack[len(stack)-size:]
			stack = stack[:len(stack)-size]
			for _, w := range component {
				onStack[w] = false
				if size > 1 {
					cyclic[w] = true
				}
			}
		}
	}
	return cyclic
}
