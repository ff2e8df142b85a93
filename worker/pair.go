package worker

// LaunchPair runs first and then second. When second cannot be run, first is stopped and
// waited for before the error is returned, so a half-launched pair never keeps relaying.
func LaunchPair(first, second *Worker) error {
	err := first.Run()
	if err != nil {
		return err
	}
	err = second.Run()
	if err != nil {
		_ = first.Dispose()
		return err
	}
	return nil
}

// DisposePair stops both workers, then waits for both.
func DisposePair(first, second *Worker) error {
	err1 := first.Stop()
	err2 := second.Stop()
	first.Wait()
	second.Wait()
	if err1 != nil {
		return err1
	}
	return err2
}
