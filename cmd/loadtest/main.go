package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"settlement/internal/webhook"

	"github.com/google/uuid"
)

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status  int
	Outcome string
	Err     error
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "server base url")
	adminToken := flag.String("admin-token", "dev-admin-token", "admin token")
	secret := flag.String("secret", "whsec_dev", "webhook signing secret")

	// 超卖测试参数：200 笔已支付订单争抢 1 个名额，每个事件重投 3 次
	capacity := flag.Int64("capacity", 1, "resource capacity")
	nOrders := flag.Int("orders", 200, "paid orders competing for the resource")
	replays := flag.Int("replays", 3, "deliveries per event")
	concurrency := flag.Int("c", 50, "max concurrency")
	flag.Parse()

	client := &http.Client{Timeout: 10 * time.Second}
	admin := map[string]string{"X-Admin-Token": *adminToken}

	var resource struct {
		ID string `json:"id"`
	}
	if err := doJSON(client, http.MethodPost, *baseURL+"/api/admin/capacity",
		map[string]any{"name": "loadtest-" + uuid.NewString()[:8], "total_capacity": *capacity}, admin, &resource); err != nil {
		panic(fmt.Sprintf("create resource failed: %v", err))
	}
	fmt.Printf("resource %s capacity=%d\n", resource.ID, *capacity)

	orders := make([]string, 0, *nOrders)
	for i := 0; i < *nOrders; i++ {
		var out struct {
			OrderID string `json:"order_id"`
		}
		err := doJSON(client, http.MethodPost, *baseURL+"/api/checkout", map[string]any{
			"customer_ref":         fmt.Sprintf("user-%d@example.com", i+1),
			"amount":               1000,
			"capacity_resource_id": resource.ID,
		}, nil, &out)
		if err != nil {
			panic(fmt.Sprintf("checkout %d failed: %v", i, err))
		}
		orders = append(orders, out.OrderID)
	}
	fmt.Printf("created %d pending orders\n", len(orders))

	if err := doJSON(client, http.MethodPost, *baseURL+"/api/admin/capacity/"+resource.ID+"/preload", nil, admin, nil); err != nil {
		fmt.Println("preload err:", err)
	}

	// 1) 不超卖 + 幂等：所有事件及其重投并发送达
	fmt.Printf("start settlement test: orders=%d replays=%d concurrency=%d\n", len(orders), *replays, *concurrency)
	results := runWebhooks(client, *baseURL, *secret, orders, *replays, *concurrency)
	printSummary("settlement", results)

	var avail struct {
		Total     int64 `json:"total"`
		Reserved  int64 `json:"reserved"`
		Remaining int64 `json:"remaining"`
	}
	if err := doJSON(client, http.MethodGet, *baseURL+"/api/capacity/"+resource.ID+"/availability", nil, nil, &avail); err != nil {
		fmt.Println("availability check err:", err)
	} else {
		fmt.Printf("final availability: total=%d reserved=%d remaining=%d\n", avail.Total, avail.Reserved, avail.Remaining)
		if avail.Reserved > avail.Total {
			fmt.Println("OVERSOLD!")
		}
	}

	// 2) 验签测试：错误密钥应全部 400
	fmt.Println("\nstart signature test: 20 requests with a wrong secret")
	results2 := runWebhooks(client, *baseURL, *secret+"-wrong", orders[:min(20, len(orders))], 1, 20)
	printSummary("bad_signature", results2)
}

func runWebhooks(client *http.Client, baseURL, secret string, orders []string, replays, concurrency int) []Result {
	// 同一订单的重投复用同一个事件 ID
	jobs := make([]string, 0, len(orders)*replays)
	for r := 0; r < replays; r++ {
		jobs = append(jobs, orders...)
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, len(jobs))
	created := time.Now()

	for i, orderID := range jobs {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, orderID string) {
			defer wg.Done()
			defer func() { <-sem }()
			results[idx] = deliverOnce(client, baseURL, secret, webhook.Event{
				ID:        "evt_load_" + orderID,
				Type:      webhook.TypeCheckoutCompleted,
				CreatedAt: created,
				Reference: orderID,
				SessionID: "cs_" + orderID,
			})
		}(i, orderID)
	}

	wg.Wait()
	return results
}

func deliverOnce(client *http.Client, baseURL, secret string, ev webhook.Event) Result {
	payload, err := webhook.Encode(ev)
	if err != nil {
		return Result{Err: err}
	}
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/webhooks/payments", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(secret, time.Now(), payload))

	resp, err := client.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var env envelope
	var data struct {
		Outcome string `json:"outcome"`
	}
	if json.Unmarshal(body, &env) == nil {
		_ = json.Unmarshal(env.Data, &data)
	}
	return Result{Status: resp.StatusCode, Outcome: data.Outcome}
}

// printSummary 聚合输出状态码与处理结果分布。
func printSummary(name string, results []Result) {
	byStatus := map[int]int{}
	byOutcome := map[string]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		byStatus[r.Status]++
		if r.Outcome != "" {
			byOutcome[r.Outcome]++
		}
	}
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range []int{200, 400, 429, 500} {
		if byStatus[code] > 0 {
			fmt.Printf("  %d -> %d\n", code, byStatus[code])
		}
	}
	outcomes := make([]string, 0, len(byOutcome))
	for o := range byOutcome {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		fmt.Printf("  %s -> %d\n", o, byOutcome[o])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

// doJSON 发送 JSON 请求并解出 data 字段（支持附加请求头）。
func doJSON(client *http.Client, method, url string, body any, headers map[string]string, out any) error {
	var r io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		r = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, url, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}
