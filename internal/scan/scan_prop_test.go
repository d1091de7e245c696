package scan

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestPropertyOneNonTerminalJobPerKey(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	props := gopter.NewProperties(params)

	props.Property("concurrent starts admit exactly one job per (target, kind)", prop.ForAll(
		func(requests []int) bool {
			probes := newGatedProbes()
			probes.started = make(chan string, len(requests))
			defer close(probes.gate)

			ids := []string{"t0", "t1", "t2"}
			c := NewCoordinator(probes, newRegistry(t, ids...))

			type pair struct {
				target string
				kind   Kind
			}
			want := make(map[pair]bool)
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				admitted = make(map[pair]int)
			)
			for _, r := range requests {
				p := pair{target: ids[r%3], kind: KindDeviceDiscovery}
				if r%2 == 1 {
					p.kind = KindPortScan
				}
				want[p] = true
				wg.Add(1)
				go func(p pair) {
					defer wg.Done()
					_, err := c.StartScan(Request{TargetID: p.target, Kind: p.kind, DeviceIP: "10.0.0.5"})
					if err == nil {
						mu.Lock()
						admitted[p]++
						mu.Unlock()
					}
				}(p)
			}
			wg.Wait()

			if len(admitted) != len(want) {
				return false
			}
			for p, n := range admitted {
				if n != 1 {
					t.Logf("duplicate admission for %+v", p)
					return false
				}
			}
			return true
		},
		gen.SliceOfN(24, gen.IntRange(0, 5)),
	))

	props.TestingRun(t)
}
