package response

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"CRMNotify/pkg/errors"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.PastSchedule, http.StatusBadRequest},
		{errors.MissingField.Withf("title"), http.StatusBadRequest},
		{errors.ReminderNotFound.Withf("id=%s", "r1"), http.StatusNotFound},
		{errors.RepeatNone, http.StatusUnprocessableEntity},
		{errors.CRMUnavailable.With(fmt.Errorf("dial tcp")), http.StatusServiceUnavailable},
		{errors.PlatformRejected, http.StatusBadGateway},
		{fmt.Errorf("wrapped: %w", errors.ReminderNotFound), http.StatusNotFound},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusOf(tc.err), tc.err.Error())
	}
}
