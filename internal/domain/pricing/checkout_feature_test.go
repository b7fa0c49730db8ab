package pricing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cucumber/godog"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/discount-engine/internal/domain/discount"
	"github.com/xenking/discount-engine/internal/storage/memory"
)

type checkoutTestContext struct {
	store   *memory.Store
	ledger  *racingLedger
	byTitle map[string]int64
	cart    discount.Cart

	quote     *Quote
	checkout  *Checkout
	succeeded atomic.Int32
	err       error
}

func (c *checkoutTestContext) reset() {
	c.store = memory.New()
	c.ledger = &racingLedger{Ledger: c.store}
	c.byTitle = make(map[string]int64)
	c.cart = discount.Cart{}
	c.quote = nil
	c.checkout = nil
	c.succeeded.Store(0)
	c.err = nil
}

func (c *checkoutTestContext) service() (*Service, error) {
	svc, err := NewService(c.store, c.ledger, c.store, Config{MaxRedeemAttempts: 3})
	if err != nil {
		return nil, err
	}
	svc.now = func() time.Time { return testNow }
	return svc, nil
}

func (c *checkoutTestContext) aStoreInTimezone(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return err
	}
	c.store.SetLocation(storeID, loc)
	return nil
}

func (c *checkoutTestContext) put(def discount.Definition) {
	def.StoreID = storeID
	def.AppliesTo = discount.Scope{Kind: discount.ScopeAll}
	def.IsActive = true
	c.byTitle[def.Title] = c.store.Put(def)
}

func (c *checkoutTestContext) anAutomaticFreeShippingDiscount(title string, priority int) error {
	c.put(discount.Definition{
		Kind:        discount.KindAutomatic,
		Title:       title,
		Value:       discount.FreeShipping(),
		Combination: discount.Combination{CanCombineWithAutomatic: true, Priority: priority},
	})
	return nil
}

func codeDefinition(code string, percent, priority int) discount.Definition {
	return discount.Definition{
		Kind:        discount.KindCode,
		Title:       code,
		Code:        code,
		Value:       discount.Percentage(decimal.NewFromInt(int64(percent)).Shift(-2)),
		Combination: discount.Combination{CanCombineWithAutomatic: true, Priority: priority},
	}
}

func (c *checkoutTestContext) aCodeDiscount(code string, percent, priority int) error {
	c.put(codeDefinition(code, percent, priority))
	return nil
}

func (c *checkoutTestContext) aCodeDiscountWithMinimum(code string, percent, priority int, minimum string) error {
	m, err := decimal.NewFromString(minimum)
	if err != nil {
		return err
	}
	def := codeDefinition(code, percent, priority)
	def.Eligibility.MinimumOrderAmount = &m
	c.put(def)
	return nil
}

func (c *checkoutTestContext) aCodeDiscountWithUsageLimit(code string, percent, priority, limit int) error {
	def := codeDefinition(code, percent, priority)
	def.UsageLimit = &limit
	c.put(def)
	return nil
}

func (c *checkoutTestContext) shippingCosts(amount string) error {
	v, err := decimal.NewFromString(amount)
	if err != nil {
		return err
	}
	c.cart.Shipping = v
	return nil
}

func (c *checkoutTestContext) aCartLine(id, price string, qty int) error {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return err
	}
	c.cart.Lines = append(c.cart.Lines, discount.Line{ID: id, ProductID: "p-" + id, UnitPrice: p, Quantity: qty})
	return nil
}

func (c *checkoutTestContext) anotherShopperRedeemsFirst(code string) error {
	id, ok := c.byTitle[code]
	if !ok {
		return fmt.Errorf("unknown discount %q", code)
	}
	c.ledger.before = func() {
		_, c.err = c.store.Redeem(context.Background(), discount.Redemption{StoreID: storeID, DiscountID: id})
	}
	return nil
}

func (c *checkoutTestContext) iResolveTheCartWithCode(code string) error {
	svc, err := c.service()
	if err != nil {
		return err
	}
	c.quote, err = svc.Resolve(context.Background(), Request{StoreID: storeID, Cart: c.cart, Code: code})
	return err
}

func (c *checkoutTestContext) iCheckOutWithCode(code string) error {
	svc, err := c.service()
	if err != nil {
		return err
	}
	c.checkout, err = svc.Checkout(context.Background(), Request{StoreID: storeID, Cart: c.cart, Code: code})
	if err != nil {
		return err
	}
	if c.err != nil {
		return errors.Wrap(c.err, "competing redemption")
	}
	c.quote = c.checkout.Quote
	return nil
}

func (c *checkoutTestContext) shoppersRedeemConcurrently(n int, code string) error {
	svc, err := c.service()
	if err != nil {
		return err
	}
	id := c.byTitle[code]

	var wg sync.WaitGroup
	start := make(chan struct{})
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := svc.Redeem(context.Background(), discount.Redemption{StoreID: storeID, DiscountID: id}); err == nil {
				c.succeeded.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	return nil
}

func (c *checkoutTestContext) discountTakes(title, amount string) error {
	want, err := decimal.NewFromString(amount)
	if err != nil {
		return err
	}
	adj, ok := c.quote.Adjustment(c.byTitle[title])
	if !ok {
		return fmt.Errorf("discount %q was not applied", title)
	}
	if !adj.Amount.Equal(want) {
		return fmt.Errorf("discount %q took %s, want %s", title, adj.Amount, want)
	}
	return nil
}

func (c *checkoutTestContext) theCartTotalIs(amount string) error {
	want, err := decimal.NewFromString(amount)
	if err != nil {
		return err
	}
	if got := c.quote.Totals.Total; !got.Equal(want) {
		return fmt.Errorf("cart total %s, want %s", got, want)
	}
	return nil
}

func (c *checkoutTestContext) theDiscountsApplyInOrder(list string) error {
	var got []string
	for _, a := range c.quote.Applied {
		got = append(got, a.Discount.Title)
	}
	if strings.Join(got, ", ") != list {
		return fmt.Errorf("applied %q, want %q", strings.Join(got, ", "), list)
	}
	return nil
}

func (c *checkoutTestContext) discountIsRejectedAs(title, reason string) error {
	rj, ok := c.quote.Rejection(c.byTitle[title])
	if !ok {
		return fmt.Errorf("discount %q was not rejected", title)
	}
	if string(rj.Reason) != reason {
		return fmt.Errorf("discount %q rejected as %q, want %q", title, rj.Reason, reason)
	}
	return nil
}

func (c *checkoutTestContext) noCodeWasRedeemed() error {
	if n := len(c.checkout.Redemptions); n != 0 {
		return fmt.Errorf("checkout redeemed %d codes", n)
	}
	return nil
}

func (c *checkoutTestContext) exactlyRedemptionsSucceed(n int) error {
	if got := int(c.succeeded.Load()); got != n {
		return fmt.Errorf("%d redemptions succeeded, want %d", got, n)
	}
	return nil
}

func (c *checkoutTestContext) codeHasBeenUsed(code string, n int) error {
	def, ok := c.store.Get(c.byTitle[code])
	if !ok {
		return fmt.Errorf("unknown discount %q", code)
	}
	if def.UsageCount != n {
		return fmt.Errorf("%q used %d times, want %d", code, def.UsageCount, n)
	}
	return nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	tc := &checkoutTestContext{}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		tc.reset()
		return ctx, nil
	})

	// Given steps
	ctx.Step(`^a store in timezone "([^"]*)"$`, tc.aStoreInTimezone)
	ctx.Step(`^an automatic free shipping discount "([^"]*)" at priority (-?\d+)$`, tc.anAutomaticFreeShippingDiscount)
	ctx.Step(`^a code discount "([^"]*)" taking (\d+)% at priority (-?\d+)$`, tc.aCodeDiscount)
	ctx.Step(`^a code discount "([^"]*)" taking (\d+)% at priority (-?\d+) with minimum order ([\d.]+)$`, tc.aCodeDiscountWithMinimum)
	ctx.Step(`^a code discount "([^"]*)" taking (\d+)% at priority (-?\d+) with usage limit (\d+)$`, tc.aCodeDiscountWithUsageLimit)
	ctx.Step(`^shipping costs ([\d.]+)$`, tc.shippingCosts)
	ctx.Step(`^a cart line "([^"]*)" priced ([\d.]+) with quantity (\d+)$`, tc.aCartLine)
	ctx.Step(`^another shopper redeems "([^"]*)" before this checkout commits$`, tc.anotherShopperRedeemsFirst)

	// When steps
	ctx.Step(`^I resolve the cart with code "([^"]*)"$`, tc.iResolveTheCartWithCode)
	ctx.Step(`^I check out with code "([^"]*)"$`, tc.iCheckOutWithCode)
	ctx.Step(`^(\d+) shoppers redeem "([^"]*)" at the same time$`, tc.shoppersRedeemConcurrently)

	// Then steps
	ctx.Step(`^discount "([^"]*)" takes ([\d.]+)$`, tc.discountTakes)
	ctx.Step(`^the cart total is ([\d.]+)$`, tc.theCartTotalIs)
	ctx.Step(`^the discounts apply in order "([^"]*)"$`, tc.theDiscountsApplyInOrder)
	ctx.Step(`^discount "([^"]*)" is rejected as "([^"]*)"$`, tc.discountIsRejectedAs)
	ctx.Step(`^no code was redeemed by this checkout$`, tc.noCodeWasRedeemed)
	ctx.Step(`^exactly (\d+) redemptions? succeeds?$`, tc.exactlyRedemptionsSucceed)
	ctx.Step(`^"([^"]*)" has been used (\d+) times?$`, tc.codeHasBeenUsed)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"testdata/checkout.feature"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
