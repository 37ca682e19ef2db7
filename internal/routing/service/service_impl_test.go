package service

import (
	"context"
	"math/rand"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pollstack/billing/internal/observability"
	regiondomain "github.com/pollstack/billing/internal/region/domain"
	"github.com/pollstack/billing/internal/routing/domain"
)

// -- Mocks --

type regionServiceMock struct {
	mock.Mock
}

func (m *regionServiceMock) ResolveCountry(ctx context.Context, countryCode string) (regiondomain.CountryRegionMapping, error) {
	args := m.Called(ctx, countryCode)
	return args.Get(0).(regiondomain.CountryRegionMapping), args.Error(1)
}

func (m *regionServiceMock) PolicyForRegion(ctx context.Context, region regiondomain.Region) (regiondomain.GatewayPolicy, error) {
	args := m.Called(ctx, region)
	return args.Get(0).(regiondomain.GatewayPolicy), args.Error(1)
}

func (m *regionServiceMock) PriceOverride(ctx context.Context, planID snowflake.ID, region regiondomain.Region) (*regiondomain.RegionalPrice, error) {
	args := m.Called(ctx, planID, region)
	price := args.Get(0)
	if price == nil {
		return nil, args.Error(1)
	}
	return price.(*regiondomain.RegionalPrice), args.Error(1)
}

func (m *regionServiceMock) UpsertCountryMapping(context.Context, regiondomain.UpsertCountryMappingRequest) (regiondomain.CountryRegionMapping, error) {
	return regiondomain.CountryRegionMapping{}, nil
}

func (m *regionServiceMock) UpsertPolicy(context.Context, regiondomain.Region, regiondomain.UpsertPolicyRequest) (regiondomain.GatewayPolicy, error) {
	return regiondomain.GatewayPolicy{}, nil
}

func (m *regionServiceMock) ReplaceRegionalPrices(context.Context, snowflake.ID, []regiondomain.RegionalPriceInput) ([]regiondomain.RegionalPrice, error) {
	return nil, nil
}

// fixedRandom replays a canned sequence of coin flips.
type fixedRandom struct {
	vals []bool
	i    int
}

func (f *fixedRandom) Bool() bool {
	v := f.vals[f.i%len(f.vals)]
	f.i++
	return v
}

func newTestService(regions *regionServiceMock, random domain.RandomSource) domain.Service {
	return NewService(Params{
		Log:     zap.NewNop(),
		Regions: regions,
		Random:  random,
		Metrics: observability.NewMetrics(),
	})
}

func stubCountry(regions *regionServiceMock, code string, region regiondomain.Region) {
	regions.On("ResolveCountry", mock.Anything, code).Return(regiondomain.CountryRegionMapping{
		CountryCode: code,
		CountryName: code,
		Region:      region,
	}, nil)
}

// -- Tests --

func TestSelectGatewayForPayment_StripeOnlyIsDeterministic(t *testing.T) {
	regions := &regionServiceMock{}
	stubCountry(regions, "US", regiondomain.Region1)
	regions.On("PolicyForRegion", mock.Anything, regiondomain.Region1).Return(regiondomain.GatewayPolicy{
		Region:        regiondomain.Region1,
		GatewayType:   regiondomain.GatewayTypeStripeOnly,
		StripeEnabled: true,
	}, nil)

	svc := newTestService(regions, &fixedRandom{vals: []bool{false}})

	for i := 0; i < 5; i++ {
		selection, rec, err := svc.SelectGatewayForPayment(context.Background(), "US", nil)
		require.NoError(t, err)
		assert.Equal(t, domain.GatewayStripe, selection.Gateway)
		assert.False(t, selection.SplitApplied)
		assert.Equal(t, regiondomain.Region1, selection.Region)
		assert.Equal(t, regiondomain.GatewayTypeStripeOnly, rec.GatewayType)
	}
}

func TestSelectGatewayForPayment_PaddleOnlyIsDeterministic(t *testing.T) {
	regions := &regionServiceMock{}
	stubCountry(regions, "BR", regiondomain.Region4)
	regions.On("PolicyForRegion", mock.Anything, regiondomain.Region4).Return(regiondomain.GatewayPolicy{
		Region:        regiondomain.Region4,
		GatewayType:   regiondomain.GatewayTypePaddleOnly,
		PaddleEnabled: true,
	}, nil)

	svc := newTestService(regions, &fixedRandom{vals: []bool{true}})

	selection, _, err := svc.SelectGatewayForPayment(context.Background(), "BR", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayPaddle, selection.Gateway)
	assert.False(t, selection.SplitApplied)
}

func TestSelectGatewayForPayment_SplitFollowsCoin(t *testing.T) {
	regions := &regionServiceMock{}
	stubCountry(regions, "IN", regiondomain.Region3)
	regions.On("PolicyForRegion", mock.Anything, regiondomain.Region3).Return(regiondomain.GatewayPolicy{
		Region:          regiondomain.Region3,
		GatewayType:     regiondomain.GatewayTypeSplit5050,
		StripeEnabled:   true,
		PaddleEnabled:   true,
		SplitPercentage: 50,
	}, nil)

	svc := newTestService(regions, &fixedRandom{vals: []bool{true, false}})

	selection, _, err := svc.SelectGatewayForPayment(context.Background(), "IN", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayStripe, selection.Gateway)
	assert.True(t, selection.SplitApplied)
	assert.Equal(t, 50, selection.SplitPercentage)

	selection, _, err = svc.SelectGatewayForPayment(context.Background(), "IN", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.GatewayPaddle, selection.Gateway)
	assert.True(t, selection.SplitApplied)
}

func TestSelectGatewayForPayment_SplitDistribution(t *testing.T) {
	regions := &regionServiceMock{}
	stubCountry(regions, "IN", regiondomain.Region3)
	regions.On("PolicyForRegion", mock.Anything, regiondomain.Region3).Return(regiondomain.GatewayPolicy{
		Region:          regiondomain.Region3,
		GatewayType:     regiondomain.GatewayTypeSplit5050,
		StripeEnabled:   true,
		PaddleEnabled:   true,
		SplitPercentage: 50,
	}, nil)

	// Seeded PRNG keeps the test reproducible; 2000 draws should land well
	// inside a 45..55 percent band.
	svc := newTestService(regions, &lockedRandomSource{rng: rand.New(rand.NewSource(42))})

	const draws = 2000
	stripe := 0
	for i := 0; i < draws; i++ {
		selection, _, err := svc.SelectGatewayForPayment(context.Background(), "IN", nil)
		require.NoError(t, err)
		if selection.Gateway == domain.GatewayStripe {
			stripe++
		}
	}

	ratio := float64(stripe) / float64(draws)
	assert.Greater(t, ratio, 0.45)
	assert.Less(t, ratio, 0.55)
}

func TestSelectGatewayForPayment_InconsistentPolicyFailsFast(t *testing.T) {
	regions := &regionServiceMock{}
	stubCountry(regions, "US", regiondomain.Region1)
	// stripe_only row with both flags set should never pick a gateway.
	regions.On("PolicyForRegion", mock.Anything, regiondomain.Region1).Return(regiondomain.GatewayPolicy{
		Region:        regiondomain.Region1,
		GatewayType:   regiondomain.GatewayTypeStripeOnly,
		StripeEnabled: true,
		PaddleEnabled: true,
	}, nil)

	svc := newTestService(regions, &fixedRandom{vals: []bool{true}})

	_, _, err := svc.SelectGatewayForPayment(context.Background(), "US", nil)
	assert.ErrorIs(t, err, regiondomain.ErrInconsistentPolicy)
}

func TestGetRecommendation_RegionalPriceOverride(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	planID := node.Generate()

	regions := &regionServiceMock{}
	stubCountry(regions, "IN", regiondomain.Region3)
	regions.On("PolicyForRegion", mock.Anything, regiondomain.Region3).Return(regiondomain.GatewayPolicy{
		Region:          regiondomain.Region3,
		GatewayType:     regiondomain.GatewayTypeSplit5050,
		StripeEnabled:   true,
		PaddleEnabled:   true,
		SplitPercentage: 50,
	}, nil)
	regions.On("PriceOverride", mock.Anything, planID, regiondomain.Region3).Return(&regiondomain.RegionalPrice{
		PlanID:      planID,
		Region:      regiondomain.Region3,
		AmountCents: 499,
		Currency:    "USD",
	}, nil)

	svc := newTestService(regions, &fixedRandom{vals: []bool{true}})

	rec, err := svc.GetRecommendation(context.Background(), "IN", &planID)
	require.NoError(t, err)
	require.NotNil(t, rec.AmountCents)
	assert.Equal(t, int64(499), *rec.AmountCents)
	assert.Equal(t, "USD", rec.Currency)
	assert.Len(t, rec.AvailableGateways, 2)
}

func TestGetRecommendation_NoOverrideKeepsBasePrice(t *testing.T) {
	node, _ := snowflake.NewNode(1)
	planID := node.Generate()

	regions := &regionServiceMock{}
	stubCountry(regions, "US", regiondomain.Region1)
	regions.On("PolicyForRegion", mock.Anything, regiondomain.Region1).Return(regiondomain.GatewayPolicy{
		Region:        regiondomain.Region1,
		GatewayType:   regiondomain.GatewayTypeStripeOnly,
		StripeEnabled: true,
	}, nil)
	regions.On("PriceOverride", mock.Anything, planID, regiondomain.Region1).Return(nil, nil)

	svc := newTestService(regions, &fixedRandom{vals: []bool{true}})

	rec, err := svc.GetRecommendation(context.Background(), "US", &planID)
	require.NoError(t, err)
	assert.Nil(t, rec.AmountCents)
}

func TestPaymentMethods(t *testing.T) {
	svc := newTestService(&regionServiceMock{}, &fixedRandom{vals: []bool{true}})

	stripe := svc.PaymentMethods(domain.GatewayStripe)
	require.Len(t, stripe, 4)
	assert.Equal(t, "card", stripe[0].Method)

	paddle := svc.PaymentMethods(domain.GatewayPaddle)
	require.Len(t, paddle, 2)

	assert.Nil(t, svc.PaymentMethods(domain.Gateway("checkout")))
}
