package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mqy/chatrelay/auth"
	"github.com/mqy/chatrelay/chatstore"
	"github.com/mqy/chatrelay/persist"
	"github.com/mqy/chatrelay/relay"
	"github.com/mqy/chatrelay/ws"
)

const (
	kafkaGroupId       = "chatrelay"
	kafkaTopic         = "chatrelay-messages"
	messageMaxBytes    = 4096
	kafkaValueMaxBytes = 8192
)

var (
	flagAddr    = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile = flag.String("pid-file", "chatrelay.pid", "pid file")

	flagStoreBackend = flag.String("store-backend", "bolt", "durable message store backend: mysql | bolt")
	flagMysqlDsn     = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/chatrelay?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagBoltPath     = flag.String("bolt-path", "chatrelay.db", "bolt database file")

	flagEnablePersist = flag.Bool("enable-persist", false, "persist relayed messages through kafka into the durable store")
	flagKafkaBrokers  = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("chatrelay server is starting")

	var producer ws.Producer
	var archiver *persist.Archiver
	var store chatstore.API

	if *flagEnablePersist {
		var err error
		if store, err = newStore(); err != nil {
			return errorf("store: %v", err)
		}
		defer store.Close()

		kafkaBrokers := strings.Split(*flagKafkaBrokers, ",")
		writer := persist.NewWriter(kafkaBrokers, kafkaTopic, kafkaValueMaxBytes)
		defer writer.Close()
		producer = writer

		reader := persist.NewKafkaReader(kafkaBrokers, kafkaGroupId, kafkaTopic)
		archiver = persist.NewArchiver(store, reader, kafkaValueMaxBytes)
	}

	registry := relay.NewRegistry()
	hub := ws.NewHub(newAuthClient(), registry, producer, &ws.Conf{
		MaxMsgBytes: messageMaxBytes,
	})

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		conns, users := hub.Counts()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{
			"active_connections": conns,
			"active_users":       users,
		})
	})

	httpServer := &http.Server{Handler: mux}
	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s error: %v", *flagAddr, err)
	}

	go func() {
		glog.Infof("http server is listening %v", *flagAddr)
		if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http mux server: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hubStopDoneC := make(chan struct{})
	go hub.Run(ctx, hubStopDoneC)

	var archiverStopDoneC chan struct{}
	if archiver != nil {
		archiverStopDoneC = make(chan struct{})
		go archiver.Run(ctx, archiverStopDoneC)
	}

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			dumpGoroutines(pprofDir)
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("chatrelay server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s`, stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				cancel()
				_ = httpServer.Shutdown(context.Background())
				<-hubStopDoneC
				if archiverStopDoneC != nil {
					<-archiverStopDoneC
				}
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("chatrelay server exited")
	return 0
}

func newStore() (chatstore.API, error) {
	switch *flagStoreBackend {
	case "bolt":
		return chatstore.NewBoltStore(*flagBoltPath)
	case "mysql":
		db, err := sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return nil, fmt.Errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}
		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)
		return chatstore.NewMysqlStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", *flagStoreBackend)
	}
}

func newAuthClient() auth.Client {
	// TODO: hook into production auth API.
	return &auth.MockClient{}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	switch *flagStoreBackend {
	case "bolt":
		if *flagBoltPath == "" {
			return errorf("--bolt-path is required")
		}
	case "mysql":
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required")
		}
	default:
		return errorf("--store-backend MUST be mysql or bolt")
	}

	if *flagEnablePersist && len(*flagKafkaBrokers) == 0 {
		return errorf("--kafka-brokers is required")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(format string, args ...interface{}) int {
	glog.Errorf(format, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
