package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/smartystreets/goconvey/convey"
)

func TestJWTHandler(t *testing.T) {
	Convey("Given a JWT handler", t, func() {
		j := NewJWTHandler("s3cret", time.Hour)

		Convey("An operator token validates and may command", func() {
			token, err := j.GenerateToken("alice", RoleOperator)
			So(err, ShouldBeNil)

			claims, err := j.Authorize(token, PermCommand)
			So(err, ShouldBeNil)
			So(claims.Subject, ShouldEqual, "alice")
			So(claims.Permissions(), ShouldContain, PermObserve)
		})

		Convey("An observer token may not command", func() {
			token, _ := j.GenerateToken("bob", RoleObserver)
			_, err := j.Authorize(token, PermCommand)
			So(errors.Is(err, ErrForbidden), ShouldBeTrue)

			_, err = j.Authorize(token, PermObserve)
			So(err, ShouldBeNil)
		})

		Convey("A token signed with another key is rejected", func() {
			token, _ := NewJWTHandler("other", time.Hour).GenerateToken("eve", RoleOperator)
			_, err := j.ValidateToken(token)
			So(errors.Is(err, ErrUnauthorized), ShouldBeTrue)
		})

		Convey("An expired token is rejected", func() {
			token, _ := NewJWTHandler("s3cret", -time.Minute).GenerateToken("carol", RoleOperator)
			_, err := j.ValidateToken(token)
			So(err, ShouldNotBeNil)
		})

		Convey("A token from another issuer is rejected", func() {
			claims := JWTClaims{
				Role:             RoleOperator,
				RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
			}
			token, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
			_, err := j.ValidateToken(token)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	Convey("Given a route guarded by the command permission", t, func() {
		j := NewJWTHandler("s3cret", time.Hour)
		r := gin.New()
		r.POST("/cmd", j.Middleware(PermCommand), func(c *gin.Context) {
			c.String(http.StatusOK, Subject(c))
		})

		call := func(header string) *httptest.ResponseRecorder {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/cmd", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			r.ServeHTTP(w, req)
			return w
		}

		Convey("no header is 401", func() {
			So(call("").Code, ShouldEqual, http.StatusUnauthorized)
			So(call("Basic abc").Code, ShouldEqual, http.StatusUnauthorized)
		})

		Convey("an observer is 403", func() {
			token, _ := j.GenerateToken("bob", RoleObserver)
			So(call("Bearer "+token).Code, ShouldEqual, http.StatusForbidden)
		})

		Convey("an operator passes through", func() {
			token, _ := j.GenerateToken("alice", RoleOperator)
			w := call("Bearer " + token)
			So(w.Code, ShouldEqual, http.StatusOK)
			So(w.Body.String(), ShouldEqual, "alice")
		})
	})
}
