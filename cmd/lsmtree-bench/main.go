// Command lsmtree-bench drives write/read/delete/lookup workloads against
// a github.com/gholt/lsmtree Table and reports throughput, mirroring the
// teacher's brimstore-valuesstore load generator (same optsStruct shape,
// same go-flags parser, same per-client keyspace partitioning).
package main

import (
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	lsmtree "github.com/gholt/lsmtree"
	"github.com/gholt/lsmtree/session"
	brimutil "gopkg.in/gholt/brimutil.v1"

	flags "github.com/jessevdk/go-flags"
)

type optsStruct struct {
	Clients       int    `long:"clients" description:"The number of clients. Default: cores*cores"`
	Cores         int    `long:"cores" description:"The number of cores. Default: CPU core count"`
	ExtendedStats bool   `long:"extended-stats" description:"Extended statistics at exit."`
	Length        int    `short:"l" long:"length" description:"Length of values. Default: 32"`
	Number        int    `short:"n" long:"number" description:"Number of keys. Default: 0"`
	Random        int    `long:"random" description:"Random number seed. Default: 0"`
	Dir           string `long:"dir" description:"Session directory. Default: a temp directory"`
	Positional    struct {
		Tests []string `name:"tests" description:"delete lookup read write"`
	} `positional-args:"yes"`

	keyspace [][]byte
	value    []byte
	st       runtime.MemStats
	sess     *session.Session
	table    *lsmtree.Table
}

var opts optsStruct
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = append(args, "-h")
	}
	if _, err := parser.ParseArgs(args); err != nil {
		os.Exit(1)
	}
	for _, arg := range opts.Positional.Tests {
		switch arg {
		case "delete", "lookup", "read", "write":
		default:
			fmt.Fprintf(os.Stderr, "Unknown test named %#v.\n", arg)
			os.Exit(1)
		}
	}
	if opts.Cores > 0 {
		runtime.GOMAXPROCS(opts.Cores)
	} else if os.Getenv("GOMAXPROCS") == "" {
		runtime.GOMAXPROCS(runtime.NumCPU())
	}
	opts.Cores = runtime.GOMAXPROCS(0)
	if opts.Clients == 0 {
		opts.Clients = opts.Cores * opts.Cores
	}
	if opts.Length == 0 {
		opts.Length = 32
	}
	if opts.Dir == "" {
		dir, err := os.MkdirTemp("", "lsmtree-bench")
		if err != nil {
			panic(err)
		}
		opts.Dir = dir
	}

	opts.keyspace = make([][]byte, opts.Number)
	keyBytes := make([]byte, opts.Number*16)
	brimutil.NewSeededScrambled(int64(opts.Random)).Read(keyBytes)
	for i := range opts.keyspace {
		opts.keyspace[i] = keyBytes[i*16 : i*16+16]
	}
	opts.value = make([]byte, opts.Length)
	brimutil.NewSeededScrambled(int64(opts.Random)).Read(opts.value)
	if len(opts.value) > 10 {
		copy(opts.value, []byte("START67890"))
	}
	if len(opts.value) > 20 {
		copy(opts.value[len(opts.value)-10:], []byte("123456STOP"))
	}

	fmt.Println(opts.Cores, "cores")
	fmt.Println(opts.Clients, "clients")
	fmt.Println(opts.Number, "keys")
	fmt.Println(opts.Length, "value length")
	memstat()

	begin := time.Now()
	var err error
	opts.sess, err = session.Open(opts.Dir, lsmtree.NewConfig(
		lsmtree.OptCombine(func(newer, older []byte) []byte { return newer }),
		lsmtree.OptCores(opts.Cores),
	))
	if err != nil {
		panic(err)
	}
	opts.table = opts.sess.Table()
	fmt.Println(time.Since(begin), "to open session at", opts.Dir)
	memstat()

	for _, arg := range opts.Positional.Tests {
		switch arg {
		case "delete":
			deleteKeys()
		case "lookup":
			lookupKeys()
		case "read":
			readKeys()
		case "write":
			writeKeys()
		}
		memstat()
	}

	begin = time.Now()
	if err := opts.table.Flush(); err != nil {
		panic(err)
	}
	fmt.Println(time.Since(begin), "to flush write buffer")

	if opts.ExtendedStats {
		fmt.Println(opts.table.Stats(true).String())
	} else {
		fmt.Println(opts.table.Stats(false).String())
	}

	begin = time.Now()
	if err := opts.sess.Close(); err != nil {
		panic(err)
	}
	fmt.Println(time.Since(begin), "to close session")
	memstat()
}

func memstat() {
	lastAlloc := opts.st.TotalAlloc
	runtime.ReadMemStats(&opts.st)
	deltaAlloc := opts.st.TotalAlloc - lastAlloc
	fmt.Printf("%0.2fG total alloc, %0.2fG delta\n\n", float64(opts.st.TotalAlloc)/1024/1024/1024, float64(deltaAlloc)/1024/1024/1024)
}

// partition returns client's share of opts.keyspace, mirroring the
// teacher's per-client keyspace slicing in brimstore-valuesstore/main.go.
func partition(client int) [][]byte {
	n := len(opts.keyspace)
	per := n / opts.Clients
	if client == opts.Clients-1 {
		return opts.keyspace[per*client:]
	}
	return opts.keyspace[per*client : per*(client+1)]
}

func writeKeys() {
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(opts.Clients)
	for i := 0; i < opts.Clients; i++ {
		go func(client int) {
			defer wg.Done()
			for _, k := range partition(client) {
				if err := opts.table.Insert(k, opts.value); err != nil {
					panic(err)
				}
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s %0.2fG/s to write %d values\n", dur, rate(dur), throughput(dur), opts.Number)
}

func deleteKeys() {
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(opts.Clients)
	for i := 0; i < opts.Clients; i++ {
		go func(client int) {
			defer wg.Done()
			for _, k := range partition(client) {
				if err := opts.table.Delete(k); err != nil {
					panic(err)
				}
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s to delete %d values\n", dur, rate(dur), opts.Number)
}

func lookupKeys() {
	var missing uint64
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(opts.Clients)
	for i := 0; i < opts.Clients; i++ {
		go func(client int) {
			defer wg.Done()
			var m uint64
			for _, k := range partition(client) {
				_, found, err := opts.table.Lookup(k)
				if err != nil {
					panic(err)
				}
				if !found {
					m++
				}
			}
			if m > 0 {
				atomic.AddUint64(&missing, m)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s to lookup %d values\n", dur, rate(dur), opts.Number)
	if missing > 0 {
		fmt.Println(missing, "MISSING!")
	}
}

func readKeys() {
	var valuesLength uint64
	var missing uint64
	begin := time.Now()
	wg := &sync.WaitGroup{}
	wg.Add(opts.Clients)
	for i := 0; i < opts.Clients; i++ {
		go func(client int) {
			defer wg.Done()
			var vl, m uint64
			for _, k := range partition(client) {
				v, found, err := opts.table.Lookup(k)
				if err != nil {
					panic(err)
				}
				if !found {
					m++
					continue
				}
				vl += uint64(len(v))
			}
			if vl > 0 {
				atomic.AddUint64(&valuesLength, vl)
			}
			if m > 0 {
				atomic.AddUint64(&missing, m)
			}
		}(i)
	}
	wg.Wait()
	dur := time.Since(begin)
	fmt.Printf("%s %.0f/s %0.2fG/s to read %d values\n", dur, rate(dur), float64(valuesLength)/(float64(dur)/float64(time.Second))/1024/1024/1024, opts.Number)
	if missing > 0 {
		fmt.Println(missing, "MISSING!")
	}
}

func rate(dur time.Duration) float64 {
	return float64(opts.Number) / (float64(dur) / float64(time.Second))
}

func throughput(dur time.Duration) float64 {
	return float64(opts.Number*opts.Length) / (float64(dur) / float64(time.Second)) / 1024 / 1024 / 1024
}
