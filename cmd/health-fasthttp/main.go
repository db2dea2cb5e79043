package main

import (
	"flag"
	"fmt"
	"time"

	"chatrelay/pkg/httpx"

	"github.com/valyala/fasthttp"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address for the fasthttp health probe")
	ver := flag.String("version", "dev", "version string to return")
	flag.Parse()

	fmt.Printf("fasthttp health probe listening on %s\n", *addr)
	// tune server options for high throughput
	srv := &fasthttp.Server{
		Handler:            httpx.FastHTTPAdapter(httpx.Probe(*ver)),
		Name:               "chatrelay-fasthttp-probe",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       5 * time.Second,
		MaxRequestBodySize: 1 << 20,
	}
	if err := srv.ListenAndServe(*addr); err != nil {
		fmt.Printf("fasthttp server exit: %v\n", err)
	}
}
