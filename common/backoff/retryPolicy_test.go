package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type (
	RetryPolicySuite struct {
		*require.Assertions
		suite.Suite
	}

	TestClock struct {
		currentTime time.Time
	}
)

func TestRetryPolicySuite(t *testing.T) {
	suite.Run(t, new(RetryPolicySuite))
}

func (s *RetryPolicySuite) SetupTest() {
	s.Assertions = require.New(s.T())
}

func (s *RetryPolicySuite) TestExponentialBackoff() {
	policy := createPolicy(1 * time.Second)
	policy.SetMaximumInterval(NoInterval)

	expectedResult := []time.Duration{1, 2, 4, 8, 16}
	for i, d := range expectedResult {
		expectedResult[i] = d * time.Second
	}

	r, _ := createRetrier(policy)
	for _, expected := range expectedResult {
		min, max := getNextBackoffRange(expected)
		next := r.NextBackOff()
		s.True(next >= min, "NextBackoff too low")
		s.True(next <= max, "NextBackoff too high")
	}
}

func (s *RetryPolicySuite) TestNumberOfAttempts() {
	policy := createPolicy(1 * time.Second)
	policy.SetMaximumAttempts(5)

	r, _ := createRetrier(policy)
	var next time.Duration
	for i := 0; i < 6; i++ {
		next = r.NextBackOff()
	}

	s.Equal(done, next)
}

func (s *RetryPolicySuite) TestMaximumInterval() {
	policy := createPolicy(1 * time.Second)
	policy.SetMaximumInterval(10 * time.Second)

	expectedResult := []time.Duration{1, 2, 4, 8, 10, 10}
	for i, d := range expectedResult {
		expectedResult[i] = d * time.Second
	}

	r, _ := createRetrier(policy)
	for _, expected := range expectedResult {
		min, max := getNextBackoffRange(expected)
		next := r.NextBackOff()
		s.True(next >= min, "NextBackoff too low")
		s.True(next <= max, "NextBackoff too high")
	}
}

func (s *RetryPolicySuite) TestExpirationInterval() {
	policy := createPolicy(2 * time.Second)
	policy.SetExpirationInterval(5 * time.Minute)

	r, clock := createRetrier(policy)
	clock.moveClock(6 * time.Minute)
	next := r.NextBackOff()

	s.Equal(done, next)
}

func (s *RetryPolicySuite) TestExpirationOverflow() {
	policy := createPolicy(2 * time.Second)
	policy.SetExpirationInterval(5 * time.Second)

	r, clock := createRetrier(policy)
	next := r.NextBackOff()
	min, max := getNextBackoffRange(2 * time.Second)
	s.True(next >= min, "NextBackoff too low")
	s.True(next <= max, "NextBackoff too high")

	clock.moveClock(2 * time.Second)

	next = r.NextBackOff()
	min, max = getNextBackoffRange(3 * time.Second)
	s.True(next >= min, "NextBackoff too low")
	s.True(next <= max, "NextBackoff too high")
}

func (s *RetryPolicySuite) TestRetrierReset() {
	policy := createPolicy(1 * time.Second)
	policy.SetMaximumAttempts(1)

	r, _ := createRetrier(policy)
	next := r.NextBackOff()
	s.Equal(done, next)

	r.Reset()
	next = r.NextBackOff()
	s.Equal(done, next)
}

func (t *TestClock) Now() time.Time {
	return t.currentTime
}

func (t *TestClock) moveClock(d time.Duration) {
	t.currentTime = t.currentTime.Add(d)
}

func createPolicy(initialInterval time.Duration) *ExponentialRetryPolicy {
	policy := NewExponentialRetryPolicy(initialInterval)
	policy.SetBackoffCoefficient(2)
	policy.SetMaximumInterval(NoInterval)
	policy.SetExpirationInterval(NoInterval)
	policy.SetMaximumAttempts(noMaximumAttempts)

	return policy
}

func createRetrier(policy RetryPolicy) (Retrier, *TestClock) {
	clock := &TestClock{currentTime: time.Time{}}
	return NewRetrier(policy, clock), clock
}

func getNextBackoffRange(duration time.Duration) (time.Duration, time.Duration) {
	rangeMin := time.Duration(0.8 * float64(duration))
	return rangeMin, duration
}
