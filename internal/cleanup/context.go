/*
   Copyright The containerd Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package cleanup runs shutdown work that must finish even after the
// context that triggered it has already been cancelled.
package cleanup

import (
	"context"
	"time"
)

// shutdownTimeout bounds how long shutdown work, such as pool.Close waiting
// for the worker goroutine to exit, is allowed to run during process shutdown.
const shutdownTimeout = 10 * time.Second

// Do runs do with a context derived from ctx that ignores ctx's own
// cancellation and instead carries its own shutdownTimeout deadline. A
// SIGTERM handler cancels the daemon's root context before calling
// pool.Close; without this, Close would see an already-cancelled context
// and could return before the worker goroutine has exited.
func Do(ctx context.Context, do func(context.Context)) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	do(ctx)
	cancel()
}
