package systems

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spaghettifunk/anima-deferred/engine/core"
)

/** @brief A unit of work run by the job system. */
type JobTask struct {
	/** @brief Name used when logging failures. */
	Name string
	/** @brief Invoked on a worker when the job starts. Required. */
	OnStart func() error
	/** @brief Invoked after OnStart succeeded. Optional. */
	OnComplete func()
	/** @brief Invoked with the error OnStart returned. Optional. */
	OnFailure func(err error)
}

type JobSystem struct {
	numWorkers int
	jobQueue   chan JobTask
	wg         sync.WaitGroup
	mutex      sync.Mutex
	closed     bool
}

var ErrNoWorkers = fmt.Errorf("attempting to create worker pool with less than 1 worker")
var ErrNegativeChannelSize = fmt.Errorf("attempting to create worker pool with a negative channel size")
var ErrJobSystemClosed = errors.New("job system is shut down")

func NewJobSystem(numWorkers int, channelSize int) (*JobSystem, error) {
	if numWorkers <= 0 {
		return nil, ErrNoWorkers
	}
	if channelSize < 0 {
		return nil, ErrNegativeChannelSize
	}

	jq := make(chan JobTask, channelSize)
	js := &JobSystem{
		numWorkers: numWorkers,
		jobQueue:   jq,
	}

	js.start()

	return js, nil
}

func (js *JobSystem) start() {
	for i := 0; i < js.numWorkers; i++ {
		js.wg.Add(1)
		go func() {
			defer js.wg.Done()
			for job := range js.jobQueue {
				// Run the job and handle potential errors
				if err := job.OnStart(); err != nil {
					core.LogError("job %s failed: %s", job.Name, err)
					if job.OnFailure != nil {
						job.OnFailure(err)
					}
					continue
				}
				if job.OnComplete != nil {
					job.OnComplete()
				}
			}
		}()
	}
}

/**
 * @brief Shuts the job system down. Queued jobs still run.
 */
func (js *JobSystem) Shutdown() error {
	js.mutex.Lock()
	if js.closed {
		js.mutex.Unlock()
		return nil
	}
	js.closed = true
	close(js.jobQueue)
	js.mutex.Unlock()

	js.wg.Wait()
	return nil
}

/**
 * @brief Submits the provided job to be queued for execution. Blocks while
 * the queue is full.
 * @param jt The description of the job to be executed.
 */
func (js *JobSystem) Submit(jt JobTask) error {
	js.mutex.Lock()
	defer js.mutex.Unlock()
	if js.closed {
		return ErrJobSystemClosed
	}
	js.jobQueue <- jt
	return nil
}

/**
 * @brief Runs every function on the workers and waits for all of them.
 * @returns The errors of the failed functions, joined.
 */
func (js *JobSystem) RunAll(name string, fns ...func() error) error {
	var wg sync.WaitGroup
	errs := make([]error, len(fns))
	for i, fn := range fns {
		wg.Add(1)
		err := js.Submit(JobTask{
			Name:       fmt.Sprintf("%s[%d]", name, i),
			OnStart:    fn,
			OnComplete: wg.Done,
			OnFailure: func(err error) {
				errs[i] = err
				wg.Done()
			},
		})
		if err != nil {
			errs[i] = err
			wg.Done()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}
