package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/MrEthical07/portalguard/directory"
	"github.com/MrEthical07/portalguard/internal/server"
	"github.com/MrEthical07/portalguard/password"
	"github.com/MrEthical07/portalguard/permission"
	"github.com/MrEthical07/portalguard/role"
)

const benchPassword = "bench-password"

type benchSession struct {
	mu      sync.Mutex
	userID  string
	access  string
	refresh string
}

func benchCmd(flags *globalFlags) *cobra.Command {
	var (
		users       int
		concurrency int
		ops         int
		redisAddr   string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Measure resolve, permission and refresh throughput",
		Long: `Seed users in a scratch SQLite directory, log each of them in once,
then drive Resolve, Can and Refresh from concurrent workers and report
latency percentiles. Uses embedded redis unless --redis-addr is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if users <= 0 || concurrency <= 0 || ops <= 0 {
				return fmt.Errorf("users, concurrency and ops must be > 0")
			}
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			dir, err := os.MkdirTemp("", "portalguard-bench-")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			cfg.Server.DevMode = true
			cfg.Database.Driver = directory.DriverSQLite
			cfg.Database.DSN = filepath.Join(dir, "bench.db")
			cfg.Redis.Embedded = redisAddr == ""
			if redisAddr != "" {
				cfg.Redis.Addr = redisAddr
			}
			cfg.Audit.Sink = "none"
			cfg.Logging.Level = "error"
			cfg.Metrics.LatencyHistograms = false
			cfg.Security.MaxLoginAttempts = 0
			cfg.Security.MaxRefreshAttempts = 0
			cfg.Password = password.Config{Memory: 8 * 1024, Time: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32, MaxPasswordBytes: cfg.Password.MaxPasswordBytes}

			ctx := cmd.Context()
			rt, err := server.Bootstrap(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			fmt.Printf("seeding %d users...\n", users)
			startSeed := time.Now()
			sessions, err := seedSessions(ctx, rt, users)
			if err != nil {
				return err
			}
			fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

			resolve := runPhase(ctx, sessions, ops, concurrency, func(ctx context.Context, s *benchSession) error {
				_, err := rt.Engine.Resolve(ctx, s.access)
				return err
			})
			perm := runPhase(ctx, sessions, ops, concurrency, func(ctx context.Context, s *benchSession) error {
				_, err := rt.Engine.Permissions().Check(ctx, s.userID, permission.ReadMetadata)
				return err
			})
			refresh := runPhase(ctx, sessions, ops, concurrency, func(ctx context.Context, s *benchSession) error {
				s.mu.Lock()
				defer s.mu.Unlock()
				res, err := rt.Engine.Refresh(ctx, s.refresh)
				if err != nil {
					return err
				}
				s.access, s.refresh = res.Credential.AccessToken, res.Credential.RefreshToken
				return nil
			})

			fmt.Println("---- results ----")
			printStats("resolve", resolve)
			printStats("permission", perm)
			printStats("refresh", refresh)
			return nil
		},
	}
	cmd.Flags().IntVar(&users, "users", 200, "number of users to seed and log in")
	cmd.Flags().IntVar(&concurrency, "concurrency", 64, "number of concurrent workers")
	cmd.Flags().IntVar(&ops, "ops", 20000, "operations per phase")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "redis address; embedded redis when empty")
	return cmd
}

func seedSessions(ctx context.Context, rt *server.Runtime, n int) ([]*benchSession, error) {
	hasher, err := password.NewArgon2(rt.Config.Password)
	if err != nil {
		return nil, err
	}
	hash, err := hasher.Hash(benchPassword)
	if err != nil {
		return nil, err
	}

	out := make([]*benchSession, n)
	for i := range out {
		email := fmt.Sprintf("bench-%d@portalguard.local", i)
		id, err := rt.Directory.AddUser(ctx, directory.NewUser{Email: email, PasswordHash: hash, Role: role.User.String()})
		if err != nil {
			return nil, err
		}
		res, err := rt.Engine.Login(ctx, email, benchPassword)
		if err != nil {
			return nil, fmt.Errorf("login %s: %w", email, err)
		}
		out[i] = &benchSession{userID: id, access: res.Credential.AccessToken, refresh: res.Credential.RefreshToken}
	}
	return out, nil
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

// runPhase spreads ops calls of fn over concurrency workers, each picking
// sessions at random.
func runPhase(ctx context.Context, sessions []*benchSession, ops, concurrency int, fn func(context.Context, *benchSession) error) phaseStats {
	var (
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)

	g, gctx := errgroup.WithContext(ctx)
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		worker := w
		g.Go(func() error {
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(worker)*7919))
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops || gctx.Err() != nil {
					return nil
				}
				s := sessions[r.Intn(len(sessions))]
				t0 := time.Now()
				err := fn(gctx, s)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		})
	}
	_ = g.Wait()
	return computeStats(time.Since(start), latencies, failures)
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	return samples[(len(samples)-1)*p/100]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%-10s ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
