// cli is an interactive walkthrough of the order core against the in-memory
// store: place orders, race two checkouts for the same stock, cancel with
// restock, and watch a push payment confirm or time out.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/ProSteveMchuma/melagro-core-go/internal/inventory"
	"github.com/ProSteveMchuma/melagro-core-go/internal/notify"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/domain"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/lifecycle"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/payment"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/placement"
	"github.com/ProSteveMchuma/melagro-core-go/internal/order/storage/memory"
)

type scenario struct {
	Name        string
	Description string
}

type model struct {
	scenarios []scenario
	selected  int
	status    string
	output    string
	busy      bool
}

func initialModel() model {
	return model{
		scenarios: []scenario{
			{"checkout", "Place an order and decrement stock"},
			{"contention", "Two checkouts race for the last units"},
			{"cancel", "Cancel an order and watch the restock"},
			{"push-paid", "Push payment confirmed mid-wait"},
			{"push-timeout", "Push payment with no confirmation"},
		},
		status: "Ready",
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up":
			if m.selected > 0 {
				m.selected--
			}
		case "down":
			if m.selected < len(m.scenarios)-1 {
				m.selected++
			}
		case "enter":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.status = "Running..."
			return m, runScenarioCmd(m.scenarios[m.selected].Name)
		}
	case scenarioResult:
		m.busy = false
		m.status = msg.status
		m.output = msg.output
	}
	return m, nil
}

func (m model) View() string {
	b := &strings.Builder{}
	fmt.Fprintln(b, "melagro order core demo")
	fmt.Fprintln(b, "")
	for i, scn := range m.scenarios {
		marker := " "
		if i == m.selected {
			marker = ">"
		}
		fmt.Fprintf(b, " %s %s - %s\n", marker, scn.Name, scn.Description)
	}
	fmt.Fprintln(b, "")
	fmt.Fprintf(b, "Status: %s\n", m.status)
	if m.output != "" {
		fmt.Fprintf(b, "\n%s\n", m.output)
	}
	fmt.Fprintln(b, "\nControls: up/down to select, enter to run, q to quit")
	return b.String()
}

type scenarioResult struct {
	status string
	output string
}

func runScenarioCmd(name string) tea.Cmd {
	return func() tea.Msg {
		out, err := runScenario(name)
		if err != nil {
			return scenarioResult{status: "Failed: " + err.Error(), output: out}
		}
		return scenarioResult{status: "Done", output: out}
	}
}

type world struct {
	store      *memory.Store
	engine     *placement.Engine
	manager    *lifecycle.Manager
	reconciler *payment.Reconciler
	gateway    *scriptedGateway
}

// scriptedGateway accepts every push and lets scenarios deliver the
// confirmation themselves.
type scriptedGateway struct {
	mu   sync.Mutex
	last string
}

func (g *scriptedGateway) InitiatePush(_ context.Context, _ payment.PushRequest) (payment.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = "ws_CO_" + uuid.NewString()[:8]
	return payment.PushResponse{Success: true, CheckoutRequestID: g.last}, nil
}

func (g *scriptedGateway) lastID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

func newWorld() *world {
	store := memory.New()
	store.SeedAdmins("admin-1")
	store.SeedProduct(inventory.Product{ID: "dap-50kg", Name: "DAP Fertilizer 50kg", Price: 7500, StockQuantity: 3})
	gw := &scriptedGateway{}
	dispatcher := &notify.SinkDispatcher{Sink: store}
	return &world{
		store:      store,
		engine:     placement.NewEngine(store, dispatcher, nil),
		manager:    lifecycle.NewManager(store, dispatcher, nil),
		reconciler: payment.NewReconciler(store, gw, nil),
		gateway:    gw,
	}
}

func (w *world) place(qty int64, method string) (*domain.Order, error) {
	return w.engine.PlaceOrder(context.Background(), placement.Input{
		UserID:        "customer-1",
		Items:         []placement.ItemInput{{ProductID: "dap-50kg", Quantity: qty, Price: 7500}},
		ShippingCost:  300,
		PaymentMethod: method,
		ShippingAddress: domain.ShippingAddress{
			County: "Nakuru", Details: "Pipeline, shop row B", Method: "boda",
		},
	})
}

func runScenario(name string) (string, error) {
	w := newWorld()
	b := &strings.Builder{}
	ctx := context.Background()

	switch name {
	case "checkout":
		o, err := w.place(2, string(payment.MethodCOD))
		if err != nil {
			return b.String(), err
		}
		p, _ := w.store.Product("dap-50kg")
		fmt.Fprintf(b, "order %s placed, total KES %d\nstock now %d (in stock: %v)", o.ID, o.Total, p.StockQuantity, p.InStock)

	case "contention":
		var wg sync.WaitGroup
		results := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = w.place(2, string(payment.MethodCOD))
			}(i)
		}
		wg.Wait()
		p, _ := w.store.Product("dap-50kg")
		for i, err := range results {
			if err != nil {
				fmt.Fprintf(b, "checkout %d: %v\n", i+1, err)
			} else {
				fmt.Fprintf(b, "checkout %d: placed\n", i+1)
			}
		}
		fmt.Fprintf(b, "stock now %d (never oversold)", p.StockQuantity)

	case "cancel":
		o, err := w.place(2, string(payment.MethodCOD))
		if err != nil {
			return b.String(), err
		}
		if _, err := w.manager.Cancel(ctx, o.ID, 0); err != nil {
			return b.String(), err
		}
		p, _ := w.store.Product("dap-50kg")
		last := w.store.History()[len(w.store.History())-1]
		fmt.Fprintf(b, "order %s cancelled\nstock restored to %d\nhistory: %s %+d (order %s)", o.ID, p.StockQuantity, last.UpdatedBy, last.Change, last.OrderID)

	case "push-paid":
		o, err := w.place(1, string(payment.MethodPush))
		if err != nil {
			return b.String(), err
		}
		w.reconciler.Wait = 10 * time.Second
		go func() {
			time.Sleep(1 * time.Second)
			_ = w.reconciler.ApplyCallback(ctx, payment.Callback{CheckoutRequestID: w.gateway.lastID(), ResultCode: "0"})
		}()
		outcome, err := w.reconciler.InitiateAndAwait(ctx, o.ID, "254712345678")
		if err != nil {
			return b.String(), err
		}
		fmt.Fprintf(b, "push outcome: %s", outcome.State)

	case "push-timeout":
		o, err := w.place(1, string(payment.MethodPush))
		if err != nil {
			return b.String(), err
		}
		w.reconciler.Wait = 2 * time.Second
		outcome, err := w.reconciler.InitiateAndAwait(ctx, o.ID, "254712345678")
		if err != nil {
			return b.String(), err
		}
		current, _ := w.store.GetOrder(ctx, o.ID)
		fmt.Fprintf(b, "push outcome: %s\npayment status unchanged: %s", outcome.State, current.PaymentStatus)

	default:
		return "", fmt.Errorf("unknown scenario %q", name)
	}
	return b.String(), nil
}

func main() {
	if _, err := tea.NewProgram(initialModel()).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "cli error: %v\n", err)
		os.Exit(1)
	}
}
