package scan

import "sync"

// Buzzer joins a fixed number of tasks and keeps the first failure.
type Buzzer struct {
	wg   sync.WaitGroup
	once sync.Once
	err  error
}

func NewBuzzer(n int) *Buzzer {
	b := &Buzzer{}
	b.wg.Add(n)
	return b
}

// Buzz reports one task as finished.
func (b *Buzzer) Buzz(err error) {
	if err != nil {
		b.once.Do(func() { b.err = err })
	}
	b.wg.Done()
}

// Wait blocks until every task has buzzed.
func (b *Buzzer) Wait() error {
	b.wg.Wait()
	return b.err
}
