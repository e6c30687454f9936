package main

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrttl/discovery"
	"github.com/ryandielhenn/zephyrttl/pkg/kv/etcdkv"
	"github.com/ryandielhenn/zephyrttl/pkg/node"
)

func main() {
	app := &cli.App{
		Name:  "zephyr-bench",
		Usage: "load generator issuing TTL puts and gets",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "addr", Value: cli.NewStringSlice("http://localhost:8080"), Usage: "server addresses"},
			&cli.StringSliceFlag{Name: "etcd", Usage: "discover servers from these etcd endpoints instead of --addr"},
			&cli.StringFlag{Name: "prefix", Usage: "HTTP route prefix of the servers"},
			&cli.IntFlag{Name: "n", Value: 5000, Usage: "requests"},
			&cli.IntFlag{Name: "c", Value: 32, Usage: "concurrency"},
			&cli.IntFlag{Name: "val", Value: 128, Usage: "value size bytes"},
			&cli.DurationFlag{Name: "ttl", Value: time.Minute, Usage: "TTL of written keys (0 writes without expiry)"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	addrs, err := targets(c)
	if err != nil {
		return err
	}
	n := c.Int("n")
	prefix := c.String("prefix")
	valSize := c.Int("val")
	ttl := c.Duration("ttl")

	client := &http.Client{Timeout: 5 * time.Second}
	var failed atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(c.Int("c"))
	start := time.Now()

	for i := 0; i < n; i++ {
		g.Go(func() error {
			key := fmt.Sprintf("k%d", i)
			base := pick(addrs, key) + prefix + "/kv/" + key
			payload := bytes.Repeat([]byte{byte(rand.Intn(255))}, valSize)

			url := fmt.Sprintf("%s?ttl=%s", base, ttl)
			if !send(client, http.MethodPut, url, payload) {
				failed.Add(1)
			}
			if !send(client, http.MethodGet, base, nil) {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s), %d failed, %d servers\n",
		n*2, dur, float64(n*2)/dur.Seconds(), failed.Load(), len(addrs))
	return nil
}

func send(client *http.Client, method, url string, body []byte) bool {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode < 300
}

// targets returns the server base URLs, sorted so key placement is stable.
func targets(c *cli.Context) ([]string, error) {
	var addrs []string
	if endpoints := c.StringSlice("etcd"); len(endpoints) > 0 {
		ec, err := etcdkv.NewClient(endpoints)
		if err != nil {
			return nil, err
		}
		defer ec.Close()
		ctx, cancel := context.WithTimeout(c.Context, 5*time.Second)
		defer cancel()
		peers, err := discovery.Peers(ctx, ec)
		if err != nil {
			return nil, fmt.Errorf("discover servers: %w", err)
		}
		for _, addr := range peers {
			addrs = append(addrs, addr)
		}
	} else {
		addrs = c.StringSlice("addr")
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no servers")
	}
	for i, a := range addrs {
		addrs[i] = "http://" + node.NormalizeHostPort(a, "8080")
	}
	sort.Strings(addrs)
	return addrs, nil
}

func pick(addrs []string, key string) string {
	h := fnv.New32a()
	h.Write([]byte(key))
	return addrs[h.Sum32()%uint32(len(addrs))]
}
