package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

// Drives client-hinted patch traffic against one node: start a document,
// then hammer it with client- patches and read it back.
func main() {
	addr := flag.String("addr", "http://localhost:8080", "server address")
	n := flag.Int("n", 5000, "patches")
	conc := flag.Int("c", 32, "concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}

	start, _ := json.Marshal(map[string]string{"identity": "bench-doc", "payload": "seed"})
	resp, err := client.Post(*addr+"/documents", "application/json", bytes.NewReader(start))
	if err != nil {
		fmt.Println("start failed:", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	wg := sync.WaitGroup{}
	begin := time.Now()
	ch := make(chan int, *conc)

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			body, _ := json.Marshal(map[string]string{
				"payload": fmt.Sprintf("client-%d-%d", i, rand.Intn(1<<20)),
			})
			req, _ := http.NewRequest(http.MethodPatch, *addr+"/documents/bench-doc", bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			if resp, err := client.Do(req); err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			if resp, err := client.Get(*addr + "/documents/bench-doc"); err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			<-ch
		}(i)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s)\n", *n*2, dur, float64(*n*2)/dur.Seconds())
}
