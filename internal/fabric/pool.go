package fabric

import (
	"runtime"
	"sync"

	"github.com/bidfabric/bidfabric/internal/log"
)

// deliveryPool runs fan-out deliveries off the publisher's goroutine so one
// back-pressured subscriber cannot stall the rest.
type deliveryPool struct {
	tasks chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

// newDeliveryPool starts workers task runners. workers <= 0 sizes the pool
// to max(2, cores).
func newDeliveryPool(workers int) *deliveryPool {
	if workers <= 0 {
		workers = runtime.NumCPU()
		if workers < 2 {
			workers = 2
		}
	}
	p := &deliveryPool{tasks: make(chan func(), workers*4)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		log.SafeGo("fabric-delivery-worker", func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		})
	}
	return p
}

// submit queues a task, blocking when all workers are busy and the backlog
// is full.
func (p *deliveryPool) submit(task func()) {
	defer func() {
		// A task submitted during shutdown is dropped.
		if recover() != nil {
			log.Warn(log.CatFabric, "delivery task dropped during shutdown")
		}
	}()
	p.tasks <- task
}

// close stops accepting tasks and waits for in-flight ones.
func (p *deliveryPool) close() {
	p.once.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
