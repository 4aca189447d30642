package app

import (
	"errors"
	"strings"

	"genqueue/internal/config"
	"genqueue/internal/leader"
	"genqueue/internal/storage"
	logx "genqueue/pkg/logx"
)

// newElector picks the leader backend. redislock needs the redis driver;
// everything else uses a lease record in the shared store.
func newElector(cfg *config.Config, st storage.Store, lc leader.Config, log logx.Logger) (leader.Elector, error) {
	key := cfg.Storage.Prefix + "leader"
	switch strings.ToLower(strings.TrimSpace(cfg.Leader.Backend)) {
	case "redislock":
		rs, ok := st.(*storage.Redis)
		if !ok {
			return nil, errors.New("leader.backend=redislock requires storage.driver=redis")
		}
		return leader.NewRedisLockElector(leader.RedisLockOptions{
			Client: rs.Client(),
			Key:    key,
			Config: lc,
			Log:    log,
		}), nil
	default:
		return leader.NewLeaseElector(leader.LeaseOptions{
			Store:  st,
			Key:    key,
			Config: lc,
			Log:    log,
		}), nil
	}
}
