package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"mempoolwatch/pkg/models"
)

// feedgen pushes synthetic mempool transaction envelopes onto the Redis
// ingest list: a background mix of transfers and approvals with occasional
// sandwich and fan-out bursts to exercise the detection rules.

const maxUint256Hex = "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"

type generator struct {
	rng   *rand.Rand
	seq   uint64
	pools []string
	addrs []string
}

func newGenerator(seed int64) *generator {
	rng := rand.New(rand.NewSource(seed))
	g := &generator{rng: rng}
	for i := 0; i < 8; i++ {
		g.pools = append(g.pools, g.randAddr())
	}
	for i := 0; i < 64; i++ {
		g.addrs = append(g.addrs, g.randAddr())
	}
	return g
}

func (g *generator) randAddr() string {
	buf := make([]byte, 20)
	g.rng.Read(buf)
	return fmt.Sprintf("0x%x", buf)
}

func (g *generator) randHash() string {
	buf := make([]byte, 32)
	g.rng.Read(buf)
	return fmt.Sprintf("0x%x", buf)
}

func (g *generator) pick(list []string) string {
	return list[g.rng.Intn(len(list))]
}

func (g *generator) base() *models.Transaction {
	g.seq++
	return &models.Transaction{
		Hash:      g.randHash(),
		From:      g.pick(g.addrs),
		To:        g.pick(g.addrs),
		Value:     fmt.Sprintf("%d", g.rng.Intn(100)+1),
		GasPrice:  uint64(g.rng.Intn(200) + 1),
		Timestamp: time.Now().UTC(),
		Sequence:  g.seq,
	}
}

// next returns the next batch of envelopes. Most ticks yield one transfer;
// a few percent yield a sandwich triple or a fan-out burst.
func (g *generator) next() []*models.Transaction {
	switch roll := g.rng.Float64(); {
	case roll < 0.02:
		return g.sandwichBurst()
	case roll < 0.04:
		return g.fanOutBurst()
	case roll < 0.10:
		return []*models.Transaction{g.approval()}
	default:
		return []*models.Transaction{g.base()}
	}
}

func (g *generator) sandwichBurst() []*models.Transaction {
	pool := g.pick(g.pools)
	attacker := g.pick(g.addrs)
	victim := g.pick(g.addrs)
	for victim == attacker {
		victim = g.pick(g.addrs)
	}

	front := g.base()
	front.From, front.To, front.GasPrice = attacker, pool, 100
	mid := g.base()
	mid.From, mid.To, mid.GasPrice = victim, pool, 50
	back := g.base()
	back.From, back.To, back.GasPrice = attacker, pool, 10
	return []*models.Transaction{front, mid, back}
}

func (g *generator) fanOutBurst() []*models.Transaction {
	sender := g.pick(g.addrs)
	out := make([]*models.Transaction, 0, 60)
	for i := 0; i < 60; i++ {
		tx := g.base()
		tx.From = sender
		tx.To = g.randAddr()
		out = append(out, tx)
	}
	return out
}

func (g *generator) approval() *models.Transaction {
	tx := g.base()
	spender := g.pick(g.addrs)
	allowance := fmt.Sprintf("%064x", g.rng.Intn(1000)+1)
	if g.rng.Float64() < 0.3 {
		allowance = maxUint256Hex
	}
	tx.Input = "0x095ea7b3" + strings.Repeat("0", 24) + spender[2:] + allowance
	return tx
}

func main() {
	addr := flag.String("redis", "127.0.0.1:6379", "Redis address")
	password := flag.String("password", "", "Redis password")
	db := flag.Int("db", 0, "Redis database")
	key := flag.String("key", "mempool_txs", "Redis list key")
	rps := flag.Float64("rate", 20, "Envelopes per second")
	duration := flag.Duration("duration", 0, "How long to generate (0 = until interrupted)")
	seed := flag.Int64("seed", time.Now().UnixNano(), "PRNG seed")
	flag.Parse()

	client := redis.NewClient(&redis.Options{
		Addr:     *addr,
		Password: *password,
		DB:       *db,
	})
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}

	gen := newGenerator(*seed)
	limiter := rate.NewLimiter(rate.Limit(*rps), int(*rps)+1)

	sent := 0
	for {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		for _, tx := range gen.next() {
			payload, err := json.Marshal(tx)
			if err != nil {
				log.Fatalf("Failed to marshal envelope: %v", err)
			}
			if err := client.RPush(ctx, *key, payload).Err(); err != nil {
				if ctx.Err() != nil {
					break
				}
				log.Printf("Failed to push envelope: %v", err)
				continue
			}
			sent++
		}
		if ctx.Err() != nil {
			break
		}
	}

	fmt.Fprintf(os.Stdout, "feedgen done: sent=%d\n", sent)
}
