package utils // import "github.com/atriumhq/atrium/utils"

import (
	"context"
	"os"
	"path"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WaitForFileCreation blocks until the provided filename is created in the
// provided directory, or the timeout duration elapses. If the target file
// is created in time, a nil error is returned. If the timeout elapses, a
// context.DeadlineExceeded error is returned. In any other case, a non-nil
// error is returned explaining what went wrong.
//
// We require that any paths passed in are absolute, since fsnotify's
// behavior with relative paths is underdocumented.
func WaitForFileCreation(absParentDirectory, fileName string, timeout time.Duration) error {
	if !path.IsAbs(absParentDirectory) {
		return MakeError("can't pass non-absolute path %s into WaitForFileCreation", absParentDirectory)
	}
	targetFileName := path.Join(absParentDirectory, fileName)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return MakeError("couldn't create new fsnotify.Watcher: %s", err)
	}
	defer watcher.Close()

	// Check for the file both before and after registering the watch, so we
	// don't miss a creation that races with watcher setup.
	if _, err := os.Stat(targetFileName); err == nil {
		return nil
	}

	if err = watcher.Add(absParentDirectory); err != nil {
		return MakeError("error adding dir %s to fsnotify.Watcher: %s", absParentDirectory, err)
	}

	if _, err := os.Stat(targetFileName); err == nil {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer StopAndDrainTimer(timer)

	for {
		select {
		case <-timer.C:
			return context.DeadlineExceeded

		case err, ok := <-watcher.Errors:
			if !ok {
				return MakeError("fsnotify error channel closed while waiting for %s", targetFileName)
			}
			return MakeError("fsnotify error while waiting for %s: %s", targetFileName, err)

		case event, ok := <-watcher.Events:
			if !ok {
				return MakeError("fsnotify event channel closed while waiting for %s", targetFileName)
			}
			if event.Op&fsnotify.Create == fsnotify.Create && event.Name == targetFileName {
				return nil
			}
		}
	}
}
