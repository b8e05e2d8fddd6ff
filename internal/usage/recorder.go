/* Copyright 2025 FastPing.It
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package usage appends usage events to the durable registry off the
// request path. Recording is best effort: an event may be dropped, but
// Record never blocks and never fails an admitted or denied response.
package usage

import (
	"sync"
	"sync/atomic"

	"k8s.io/klog"

	"github.com/fastping-it/proxypool/internal/model"
)

// Sink is where usage events end up, normally the registry's usage log.
type Sink interface {
	AppendUsage(record *model.UsageRecord) error
}

type Recorder struct {
	sink Sink

	events  chan *model.UsageRecord
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
	once    sync.Once
}

const DefaultBuffer = 1024

// NewRecorder starts the append worker. buffer bounds the number of
// in-flight events; once full, new events are dropped and counted.
func NewRecorder(sink Sink, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	recorder := &Recorder{
		sink:   sink,
		events: make(chan *model.UsageRecord, buffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go recorder.run()
	return recorder
}

func (r *Recorder) run() {
	defer close(r.done)
	for {
		select {
		case record := <-r.events:
			r.append(record)
		case <-r.stop:
			// drain what is buffered, then leave
			for {
				select {
				case record := <-r.events:
					r.append(record)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) append(record *model.UsageRecord) {
	if err := r.sink.AppendUsage(record); err != nil {
		klog.Warningf("failed to append usage record for %s: %s", record.IPAddress, err.Error())
	}
}

// Record enqueues a usage event. It never blocks the caller. Events
// arriving during or after shutdown are dropped, never a panic: the
// events channel is not closed, the worker is stopped out of band.
func (r *Recorder) Record(record *model.UsageRecord) {
	if r.closed.Load() {
		r.dropped.Add(1)
		return
	}
	select {
	case r.events <- record:
	default:
		r.dropped.Add(1)
		klog.V(4).Infof("usage buffer full, dropped event for %s", record.IPAddress)
	}
}

// Dropped reports the number of events lost to a full buffer.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Close drains buffered events and stops the worker.
func (r *Recorder) Close() {
	r.once.Do(func() {
		r.closed.Store(true)
		close(r.stop)
	})
	<-r.done
}
