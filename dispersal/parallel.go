package dispersal

import (
	"runtime"
	"sync"
	"time"
)

// stageJob pairs a stage input with the engine that disperses it.
// Results are written back into the job by whichever worker runs it.
type stageJob struct {
	engine  Engine
	in      *StageInput
	out     *StageOutput
	err     error
	elapsed time.Duration
}

func (j *stageJob) execute() {
	start := time.Now()
	j.out, j.err = j.engine.DisperseStage(j.in)
	j.elapsed = time.Since(start)
}

// stagePool runs stages of one timestep on persistent workers.
// Stages write to disjoint layers and only read the shared snapshot, so no
// locking is needed beyond the StepContext caches.
type stagePool struct {
	numWorkers int

	// Worker pool channels
	workChan chan *stageJob // sends work to workers
	doneChan chan struct{}  // workers signal completion
	stopChan chan struct{}  // signals workers to exit
	wg       sync.WaitGroup // tracks active workers
	running  bool           // true if workers are running
}

func newStagePool(workers int) *stagePool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &stagePool{numWorkers: workers}
}

// startWorkers launches persistent worker goroutines.
func (p *stagePool) startWorkers() {
	if p.running {
		return
	}

	p.workChan = make(chan *stageJob, p.numWorkers)
	p.doneChan = make(chan struct{}, p.numWorkers)
	p.stopChan = make(chan struct{})
	p.running = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// stopWorkers signals all workers to exit and waits for them.
func (p *stagePool) stopWorkers() {
	if !p.running {
		return
	}

	close(p.stopChan)
	p.wg.Wait()
	close(p.workChan)
	close(p.doneChan)
	p.running = false
}

// worker processes jobs until stopped.
func (p *stagePool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case job, ok := <-p.workChan:
			if !ok {
				return
			}
			job.execute()
			p.doneChan <- struct{}{}
		}
	}
}

// run dispatches all jobs and waits for them to complete.
func (p *stagePool) run(jobs []stageJob) {
	if !p.running {
		p.startWorkers()
	}

	// Dispatch from a separate goroutine so a full work channel cannot
	// deadlock against workers blocked on doneChan.
	go func() {
		for i := range jobs {
			p.workChan <- &jobs[i]
		}
	}()

	for range jobs {
		<-p.doneChan
	}
}
