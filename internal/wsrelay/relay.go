// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wsrelay

import (
	"io"
	"sync"
)

const relayBufferSize = 64 * 1024

// Relay runs two parallel byte-relay loops between client and backend; the
// first to hit EOF or an error tears down the other side by closing both
// connections. Returns once both loops have exited.
func Relay(client io.ReadWriteCloser, backend io.ReadWriteCloser) {
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			client.Close()
			backend.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		copyBuf(backend, client)
		teardown()
	}()
	go func() {
		defer wg.Done()
		copyBuf(client, backend)
		teardown()
	}()
	wg.Wait()
}

func copyBuf(dst io.Writer, src io.Reader) {
	buf := make([]byte, relayBufferSize)
	io.CopyBuffer(dst, src, buf)
}
